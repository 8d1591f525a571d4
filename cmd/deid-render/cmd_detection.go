package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"deid-viewer/annotate"
	"deid-viewer/backend"
	"deid-viewer/overlay"
	"deid-viewer/workflow"
)

var detectionFlags struct {
	strict bool
	html   bool
	scale  float64
}

var detectionCmd = &cobra.Command{
	Use:   "detection [file|-]",
	Short: "Highlight the entities and regions of a detection result",
	Long:  "Reads a detection result ({text, entities, regions}) as JSON and prints\nthe annotated text followed by entity and region tables.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDetection,
}

func init() {
	f := detectionCmd.Flags()
	f.BoolVar(&detectionFlags.strict, "strict", false, "Fail on the first out-of-range span instead of skipping it")
	f.BoolVar(&detectionFlags.html, "html", false, "Print the HTML markup of the results page instead of terminal highlights")
	f.Float64Var(&detectionFlags.scale, "scale", 1, "Scale factor applied to region coordinates")
}

// renderer builds the renderer for detection text, escaped in HTML mode.
func renderer(strict, html bool) annotate.Renderer {
	if html {
		return annotate.Renderer{Strict: strict, Markup: annotate.HTMLMarkup{Escape: true}}
	}
	return annotate.Renderer{Strict: strict, Markup: terminalMarkup{}}
}

// protectionRenderer leaves protected text as the backend sent it.
func protectionRenderer(html bool) annotate.Renderer {
	if html {
		return annotate.Renderer{Markup: annotate.HTMLMarkup{}}
	}
	return annotate.Renderer{Markup: terminalMarkup{}}
}

func runDetection(cmd *cobra.Command, args []string) error {
	var det backend.Detection
	if err := readJSON(cmd, args, &det); err != nil {
		return err
	}

	view, err := workflow.BuildDetectionView(&det,
		renderer(detectionFlags.strict, detectionFlags.html),
		overlay.Compositor{Scale: detectionFlags.scale})
	if err != nil {
		return err
	}

	printDetection(cmd, view)
	return nil
}

func printDetection(cmd *cobra.Command, view *workflow.DetectionView) {
	out := cmd.OutOrStdout()
	if view.IngestID != "" {
		fmt.Fprintf(out, "Ingest: %s\n\n", view.IngestID)
	}
	fmt.Fprintln(out, view.Marked)
	fmt.Fprintln(out)
	writeEntities(out, view.Entities)
	writeRejected(out, view.Rejected)
	writeOverlays(out, view.Overlays)
}
