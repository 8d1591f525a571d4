package annotate

import (
	"fmt"
	"html"
	"strings"

	"github.com/sirupsen/logrus"
)

// Markup turns spans and plain text into a presentation format.
type Markup interface {
	Open(s Span) string
	Close(s Span) string
	Text(t string) string
}

// HTMLMarkup produces the phi-highlight span wrappers shown in the results view.
// The zero value passes text through untouched, so the output matches the
// legacy splice byte for byte. With Escape set, text and attribute values
// are HTML-escaped; use it for plain text that reaches a page.
type HTMLMarkup struct {
	Escape bool
}

func (m HTMLMarkup) esc(s string) string {
	if m.Escape {
		return html.EscapeString(s)
	}
	return s
}

func (m HTMLMarkup) Open(s Span) string {
	return `<span class="phi-highlight phi-` + m.esc(s.StyleClass()) + `" ` + "\n" +
		`            title="` + m.esc(s.Category) + ` (置信度: ` + s.Percent() + `%)"` + "\n" +
		`            data-entity-id="` + m.esc(s.ID) + `">` + "\n" +
		`            `
}

func (m HTMLMarkup) Close(Span) string {
	return "\n        </span>"
}

func (m HTMLMarkup) Text(t string) string {
	return m.esc(t)
}

// Renderer materializes annotated text.
// In Strict mode a single invalid span fails the call; otherwise invalid
// spans are reported in Result.Rejected and left out.
type Renderer struct {
	Strict bool
	Markup Markup
}

// Result is the output of a render call.
type Result struct {
	Text     string
	Rejected []*RangeError
}

// Render decorates base with spans. base is never modified in place: the
// decoration intervals are computed first and emitted in one pass.
func (r Renderer) Render(base string, spans []Span) (Result, error) {
	markup := r.Markup
	if markup == nil {
		markup = HTMLMarkup{}
	}

	runes := []rune(base)
	valid, rejected := partition(len(runes), spans)
	if len(rejected) > 0 {
		if r.Strict {
			return Result{}, fmt.Errorf("render: %w", rejected[0])
		}
		for _, re := range rejected {
			log.WithFields(logrus.Fields{
				"entity_id": re.Span.ID,
				"start":     re.Span.Start,
				"end":       re.Span.End,
			}).Warnf("Skipping span: %s", re.Reason)
		}
	}

	return Result{
		Text:     materialize(segments(runes, valid), markup),
		Rejected: rejected,
	}, nil
}

// Render decorates base with HTML wrappers, skipping invalid spans. Text
// outside and inside the wrappers is copied verbatim.
func Render(base string, spans []Span) string {
	res, _ := Renderer{}.Render(base, spans)
	return res.Text
}

// materialize walks the segments once. Where the active stack of the next
// segment diverges from the open one, wrappers are closed down to the common
// prefix and the remainder reopened, so crossing spans come out split into
// properly nested fragments.
func materialize(segs []Segment, m Markup) string {
	var b strings.Builder
	var open []Span

	for _, seg := range segs {
		common := 0
		for common < len(open) && common < len(seg.Active) && open[common] == seg.Active[common] {
			common++
		}
		for i := len(open) - 1; i >= common; i-- {
			b.WriteString(m.Close(open[i]))
		}
		for _, sp := range seg.Active[common:] {
			b.WriteString(m.Open(sp))
		}
		open = seg.Active
		b.WriteString(m.Text(seg.Text))
	}
	for i := len(open) - 1; i >= 0; i-- {
		b.WriteString(m.Close(open[i]))
	}
	return b.String()
}
