package annotate

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// ErrInvalidSpan is matched by every span validation failure.
var ErrInvalidSpan = errors.New("invalid span")

// Span is one detected entity inside a base text.
// Start and End are character (code point) offsets, End exclusive.
type Span struct {
	ID         string  `json:"entity_id"`
	Text       string  `json:"text"`
	Category   string  `json:"category"`
	Start      int     `json:"start_pos"`
	End        int     `json:"end_pos"`
	Confidence float64 `json:"confidence"`
}

// RangeError describes a span that cannot be placed on the base text.
type RangeError struct {
	Span   Span
	Length int
	Reason string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("span %q [%d,%d) over text of length %d: %s",
		e.Span.ID, e.Span.Start, e.Span.End, e.Length, e.Reason)
}

func (e *RangeError) Unwrap() error { return ErrInvalidSpan }

// Validate checks the span against a base text of length characters.
func (s Span) Validate(length int) error {
	reason := ""
	switch {
	case s.Start < 0:
		reason = "start is negative"
	case s.End > length:
		reason = "end is past the end of the text"
	case s.Start >= s.End:
		reason = "span is empty or inverted"
	case math.IsNaN(s.Confidence) || s.Confidence < 0 || s.Confidence > 1:
		reason = "confidence outside [0,1]"
	}
	if reason == "" {
		return nil
	}
	return &RangeError{Span: s, Length: length, Reason: reason}
}

// Percent formats the confidence as a percentage with one decimal place.
// Exact ties round up (6.25 -> 6.3).
func (s Span) Percent() string {
	p := s.Confidence * 100
	if t := p * 10; t-math.Floor(t) == 0.5 {
		p = (math.Floor(t) + 1) / 10
	}
	return strconv.FormatFloat(p, 'f', 1, 64)
}

// StyleClass is the lower-cased category used for styling.
func (s Span) StyleClass() string {
	return strings.ToLower(s.Category)
}

// SetLogLevel sets the logging level for the annotate package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
