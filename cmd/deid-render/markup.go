package main

import (
	"hash/fnv"

	"github.com/fatih/color"

	"deid-viewer/annotate"
)

var palette = []color.Attribute{
	color.FgRed,
	color.FgGreen,
	color.FgYellow,
	color.FgBlue,
	color.FgMagenta,
	color.FgCyan,
}

// categoryColor picks a stable color per category.
func categoryColor(category string) *color.Color {
	h := fnv.New32a()
	h.Write([]byte(annotate.Span{Category: category}.StyleClass()))
	return color.New(palette[h.Sum32()%uint32(len(palette))], color.Bold)
}

// terminalMarkup brackets every span and labels it on close, e.g.
// 患者[张明]{姓名 95.0%}. Text stays plain so nested spans read correctly.
type terminalMarkup struct{}

func (terminalMarkup) Open(s annotate.Span) string {
	return categoryColor(s.Category).Sprint("[")
}

func (terminalMarkup) Close(s annotate.Span) string {
	c := categoryColor(s.Category)
	return c.Sprint("]") + color.New(color.Faint).Sprintf("{%s %s%%}", s.Category, s.Percent())
}

func (terminalMarkup) Text(t string) string {
	return t
}
