package annotate

import (
	"sort"
)

// Segment is a maximal stretch of the base text covered by the same spans.
// Active lists the covering spans from the outermost to the innermost.
type Segment struct {
	Start  int
	End    int
	Text   string
	Active []Span
}

// Segments splits base into decoration intervals. Invalid spans are dropped.
func Segments(base string, spans []Span) []Segment {
	runes := []rune(base)
	valid, _ := partition(len(runes), spans)
	return segments(runes, valid)
}

// partition separates placeable spans from rejected ones, collapses exact
// duplicates and ranks the survivors: start ascending, end descending, then
// input order. The rank decides nesting, lower rank is the outer wrapper.
func partition(length int, spans []Span) ([]Span, []*RangeError) {
	valid := make([]Span, 0, len(spans))
	var rejected []*RangeError
	seen := make(map[Span]struct{}, len(spans))

	for _, sp := range spans {
		if err := sp.Validate(length); err != nil {
			rejected = append(rejected, err.(*RangeError))
			continue
		}
		if _, dup := seen[sp]; dup {
			continue
		}
		seen[sp] = struct{}{}
		valid = append(valid, sp)
	}

	sort.SliceStable(valid, func(i, j int) bool {
		if valid[i].Start != valid[j].Start {
			return valid[i].Start < valid[j].Start
		}
		return valid[i].End > valid[j].End
	})
	return valid, rejected
}

// segments sweeps the boundary events of ranked spans from left to right.
func segments(runes []rune, ranked []Span) []Segment {
	if len(runes) == 0 {
		return nil
	}

	bounds := make([]int, 0, 2*len(ranked)+2)
	bounds = append(bounds, 0, len(runes))
	for _, sp := range ranked {
		bounds = append(bounds, sp.Start, sp.End)
	}
	sort.Ints(bounds)
	bounds = compactInts(bounds)

	out := make([]Segment, 0, len(bounds)-1)
	var active []Span
	next := 0
	for i := 0; i < len(bounds)-1; i++ {
		at, until := bounds[i], bounds[i+1]

		kept := active[:0:0]
		for _, sp := range active {
			if sp.End > at {
				kept = append(kept, sp)
			}
		}
		active = kept

		// spans are ranked, so everything starting here nests inside what is already open
		for next < len(ranked) && ranked[next].Start == at {
			active = append(active, ranked[next])
			next++
		}

		out = append(out, Segment{
			Start:  at,
			End:    until,
			Text:   string(runes[at:until]),
			Active: append([]Span(nil), active...),
		})
	}
	return out
}

func compactInts(sorted []int) []int {
	if len(sorted) == 0 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
