// deid-render prints detection and protection results in the terminal.
//
// Usage:
//
//	deid-render detection [file|-] [--strict] [--html] [--scale=<f>]
//	deid-render protection [file|-]
//	deid-render demo --text=<diagnosis> [--image=<path>] [--protect]
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags.
var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:   "deid-render",
	Short: "Render de-identification results in the terminal",
	Long:  "deid-render highlights detected PHI entities, lists regions of interest\nand shows protection audit fields for backend results.",
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if noColor {
			color.NoColor = true
		}
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.AddCommand(detectionCmd)
	rootCmd.AddCommand(protectionCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.Version = version
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
