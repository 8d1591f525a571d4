package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"deid-viewer/backend"
	"deid-viewer/imaging"
	"deid-viewer/workflow"
)

var demoFlags struct {
	text    string
	image   string
	protect bool
	level   string
}

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run upload, detection and protection against the built-in demo backend",
	RunE:  runDemo,
}

func init() {
	f := demoCmd.Flags()
	f.StringVar(&demoFlags.text, "text", "", "Diagnosis text")
	f.StringVar(&demoFlags.image, "image", "", "Path to an image or DICOM file")
	f.BoolVar(&demoFlags.protect, "protect", false, "Also run protection")
	f.StringVar(&demoFlags.level, "level", backend.EncryptionHigh, "Encryption level: low, medium or high")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	upload := workflow.Upload{Text: demoFlags.text}
	if demoFlags.image != "" {
		data, err := os.ReadFile(demoFlags.image)
		if err != nil {
			return fmt.Errorf("read image: %w", err)
		}
		upload.File = data
		upload.FileName = filepath.Base(demoFlags.image)
	}

	ctrl := workflow.New(backend.NewDemo(),
		workflow.WithRenderer(renderer(false, false)),
		workflow.WithProtectionRenderer(protectionRenderer(false)),
	)
	out := cmd.OutOrStdout()
	ctrl.Subscribe(func(ev workflow.Event) {
		fmt.Fprintf(cmd.ErrOrStderr(), "state: %s -> %s\n", ev.From, ev.To)
	})

	if len(upload.File) > 0 {
		surface, err := imaging.NewRaster(0, 0).Surface(upload.File)
		if err == nil {
			ctrl.SetSurfaceScale(surface.Scale)
			fmt.Fprintf(out, "Preview: %dx%d (scale %.2f)\n", surface.Width, surface.Height, surface.Scale)
		} else {
			fmt.Fprintf(out, "Preview: unavailable (%v)\n", err)
		}
	}

	if _, err := ctrl.Upload(cmd.Context(), upload); err != nil {
		return err
	}
	view, err := ctrl.Results(cmd.Context())
	if err != nil {
		return err
	}
	printDetection(cmd, view)

	if !demoFlags.protect {
		return nil
	}
	policy := backend.DefaultPolicy()
	policy.EncryptionLevel = demoFlags.level
	if _, err := ctrl.Protect(cmd.Context(), policy); err != nil {
		return err
	}
	printProtection(cmd, ctrl.Protection())
	return nil
}
