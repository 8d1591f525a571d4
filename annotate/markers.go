package annotate

import (
	"fmt"
	"regexp"
	"unicode/utf8"
)

// markerRe matches redaction placeholders such as [NAME] or [ID_NUMBER].
var markerRe = regexp.MustCompile(`\[([A-Z][A-Z0-9_]*)\]`)

// FindMarkers returns a span for every redaction placeholder in text, so
// protected output can be decorated by the same renderer as detections.
func FindMarkers(text string) []Span {
	matches := markerRe.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}

	spans := make([]Span, 0, len(matches))
	prevByte, prevRune := 0, 0
	for i, m := range matches {
		start := prevRune + utf8.RuneCountInString(text[prevByte:m[0]])
		end := start + utf8.RuneCountInString(text[m[0]:m[1]])
		prevByte, prevRune = m[1], end

		spans = append(spans, Span{
			ID:         fmt.Sprintf("marker-%d", i+1),
			Text:       text[m[0]:m[1]],
			Category:   text[m[2]:m[3]],
			Start:      start,
			End:        end,
			Confidence: 1,
		})
	}
	return spans
}
