// Package overlay turns detected regions of interest into positioned overlay
// descriptors for the image display surface.
package overlay

import (
	"fmt"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Rect is a rectangle in display surface coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Region is one region of interest reported by the detector.
type Region struct {
	ID          string `json:"region_id"`
	Description string `json:"description"`
	Rect        Rect   `json:"coordinates"`
}

// Valid reports whether every component of the rectangle is non-negative.
func (r Region) Valid() bool {
	return r.Rect.X >= 0 && r.Rect.Y >= 0 && r.Rect.Width >= 0 && r.Rect.Height >= 0
}

// Descriptor is an absolutely positioned overlay element, in pixels.
type Descriptor struct {
	ID     string  `json:"id"`
	Label  string  `json:"label"`
	Left   float64 `json:"left"`
	Top    float64 `json:"top"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Style renders the inline CSS position of the descriptor.
func (d Descriptor) Style() string {
	return fmt.Sprintf("left: %spx; top: %spx; width: %spx; height: %spx;",
		px(d.Left), px(d.Top), px(d.Width), px(d.Height))
}

func px(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// Compositor maps regions onto a display surface that may be scaled
// relative to the coordinate space of the detector. A zero Scale means 1.
type Compositor struct {
	Scale float64
}

// Compose returns one descriptor per valid region, in input order.
func (c Compositor) Compose(regions []Region) []Descriptor {
	scale := c.Scale
	if scale <= 0 {
		scale = 1
	}

	out := make([]Descriptor, 0, len(regions))
	for _, r := range regions {
		if !r.Valid() {
			log.WithField("region_id", r.ID).Warn("Skipping region with negative geometry")
			continue
		}
		out = append(out, Descriptor{
			ID:     r.ID,
			Label:  r.Description,
			Left:   r.Rect.X * scale,
			Top:    r.Rect.Y * scale,
			Width:  r.Rect.Width * scale,
			Height: r.Rect.Height * scale,
		})
	}
	return out
}

// Compose maps regions at scale 1.
func Compose(regions []Region) []Descriptor {
	return Compositor{}.Compose(regions)
}

// Layer holds the overlay set currently shown on a surface.
// Apply replaces the whole set at once; readers never see a mix of two sets.
type Layer struct {
	mu    sync.RWMutex
	descs []Descriptor
	gen   uint64
}

// Apply clears the previous overlays and shows descs instead.
func (l *Layer) Apply(descs []Descriptor) {
	next := append([]Descriptor(nil), descs...)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.descs = next
	l.gen++
}

// Clear removes every overlay.
func (l *Layer) Clear() {
	l.Apply(nil)
}

// Current returns a copy of the visible overlays.
func (l *Layer) Current() []Descriptor {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]Descriptor(nil), l.descs...)
}

// Generation counts Apply calls, so callers can tell whether the set changed.
func (l *Layer) Generation() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.gen
}

// SetLogLevel sets the logging level for the overlay package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
