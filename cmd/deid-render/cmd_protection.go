package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deid-viewer/backend"
	"deid-viewer/workflow"
)

var protectionFlags struct {
	html bool
}

var protectionCmd = &cobra.Command{
	Use:   "protection [file|-]",
	Short: "Show a protection result and its audit fields",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runProtection,
}

func init() {
	protectionCmd.Flags().BoolVar(&protectionFlags.html, "html", false, "Print HTML markup instead of terminal highlights")
}

func runProtection(cmd *cobra.Command, args []string) error {
	var resp backend.ProtectResponse
	if err := readJSON(cmd, args, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("protection failed: %s", resp.Error)
	}

	printProtection(cmd, workflow.BuildProtectionView(&resp, protectionRenderer(protectionFlags.html)))
	return nil
}

func printProtection(cmd *cobra.Command, view *workflow.ProtectionView) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, view.Marked)
	fmt.Fprintln(out)
	writeAudit(out, view.Audit)
}
