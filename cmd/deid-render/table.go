package main

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"deid-viewer/annotate"
	"deid-viewer/overlay"
	"deid-viewer/workflow"
)

func newTable(title string, header ...interface{}) table.Writer {
	w := table.NewWriter()
	w.SetStyle(table.StyleLight)
	w.SetTitle(title)
	w.AppendHeader(table.Row(header))
	return w
}

func writeEntities(out io.Writer, spans []annotate.Span) {
	w := newTable("Entities", "ID", "Category", "Text", "Range", "Confidence")
	w.SetColumnConfigs([]table.ColumnConfig{
		{Number: 3, WidthMax: 40},
		{Number: 5, Align: text.AlignRight},
	})
	for _, s := range spans {
		w.AppendRow(table.Row{s.ID, s.Category, s.Text, fmt.Sprintf("[%d, %d)", s.Start, s.End), s.Percent() + "%"})
	}
	fmt.Fprintln(out, w.Render())
}

func writeRejected(out io.Writer, rejected []*annotate.RangeError) {
	if len(rejected) == 0 {
		return
	}
	w := newTable("Skipped spans", "ID", "Range", "Reason")
	for _, r := range rejected {
		w.AppendRow(table.Row{r.Span.ID, fmt.Sprintf("[%d, %d)", r.Span.Start, r.Span.End), r.Reason})
	}
	fmt.Fprintln(out, w.Render())
}

func writeOverlays(out io.Writer, descs []overlay.Descriptor) {
	w := newTable("Regions of interest", "ID", "Label", "Position")
	for _, d := range descs {
		w.AppendRow(table.Row{d.ID, d.Label, d.Style()})
	}
	w.AppendFooter(table.Row{"", "Total", len(descs)})
	fmt.Fprintln(out, w.Render())
}

func writeAudit(out io.Writer, fields []workflow.AuditField) {
	w := newTable("Audit", "Field", "Value")
	for _, f := range fields {
		w.AppendRow(table.Row{f.Key, f.Value})
	}
	fmt.Fprintln(out, w.Render())
}
