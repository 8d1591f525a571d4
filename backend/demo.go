package backend

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"deid-viewer/annotate"
	"deid-viewer/overlay"
)

// detector is one rule of the demo clinical-text detector.
type detector struct {
	code       string
	label      string
	pattern    *regexp.Regexp
	group      int
	confidence float64
}

// demoDetectors cover the entity kinds found in Chinese clinical notes.
var demoDetectors = []detector{
	{"NAME", "姓名", regexp.MustCompile(`(患者|姓名)(\p{Han}{2,4}?)[，,。\s]`), 2, 0.95},
	{"ID", "身份证号", regexp.MustCompile(`(身份证|病历号)(\d{17}[\dXx]|\d{15})`), 2, 0.99},
	{"PHONE", "电话", regexp.MustCompile(`(电话|手机)(1[3-9]\d{9})`), 2, 0.97},
	{"AGE", "年龄", regexp.MustCompile(`(\d{1,3}岁)`), 1, 0.90},
	{"DATE", "日期", regexp.MustCompile(`(\d{4}[年\-]\d{1,2}[月\-]\d{1,2}日?)`), 1, 0.93},
	{"ADDRESS", "地址", regexp.MustCompile(`(地址|住址)(\p{Han}+?(省|市|区|县|街道|路|号))`), 2, 0.85},
}

// demoLesion is the region reported for every uploaded image.
var demoLesion = overlay.Rect{X: 150, Y: 120, Width: 100, Height: 80}

type demoIngest struct {
	text     string
	hasImage bool
	entities []annotate.Span
}

// Demo is an in-process Backend for running the viewer without a detection
// service. Detection is rule based; protection replaces every entity with a
// [CODE] marker.
type Demo struct {
	mu       sync.Mutex
	ingests  map[string]*demoIngest
	validate *validator.Validate
}

// NewDemo creates an empty demo backend
func NewDemo() *Demo {
	return &Demo{
		ingests:  make(map[string]*demoIngest),
		validate: validator.New(),
	}
}

func shortID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
}

// Ingest stores the upload and assigns an ingest identifier.
func (d *Demo) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	if req.Empty() {
		return nil, fmt.Errorf("ingest: %w: a file or text is required", ErrInvalidRequest)
	}
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "ingest", Err: err}
	}

	id := shortID("ingest")
	d.mu.Lock()
	d.ingests[id] = &demoIngest{text: req.Text, hasImage: len(req.File) > 0}
	d.mu.Unlock()

	log.WithField("ingest_id", id).Debug("Demo ingest stored")
	return &IngestResponse{Status: "ok", IngestID: id}, nil
}

// Detect runs the rule based detector over the stored text.
func (d *Demo) Detect(ctx context.Context, req DetectRequest) (*Detection, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("detect: %w: %v", ErrInvalidRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "detect", Err: err}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	in, ok := d.ingests[req.IngestID]
	if !ok {
		return nil, &ServerError{Op: "detect", StatusCode: http.StatusNotFound, Message: "unknown ingest_id " + req.IngestID}
	}
	if in.entities == nil {
		in.entities = detectEntities(in.text)
	}

	det := &Detection{
		IngestID: req.IngestID,
		Text:     in.text,
		Entities: append([]annotate.Span(nil), in.entities...),
		Regions:  []overlay.Region{},
		Status:   "ok",
	}
	if in.hasImage {
		det.Regions = append(det.Regions, overlay.Region{
			ID:          shortID("roi"),
			Description: "病灶区域",
			Rect:        demoLesion,
		})
	}
	return det, nil
}

// Protect replaces detected entities by [CODE] markers and signs the result.
func (d *Demo) Protect(ctx context.Context, req ProtectRequest) (*ProtectResponse, error) {
	if err := d.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("protect: %w: %v", ErrInvalidRequest, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, &NetworkError{Op: "protect", Err: err}
	}

	d.mu.Lock()
	in, ok := d.ingests[req.IngestID]
	if ok && in.entities == nil {
		in.entities = detectEntities(in.text)
	}
	d.mu.Unlock()
	if !ok {
		return nil, &ServerError{Op: "protect", StatusCode: http.StatusNotFound, Message: "unknown ingest_id " + req.IngestID}
	}

	protected := replaceWithMarkers(in.text, in.entities)
	keyID := shortID("key")
	sum := sha256.Sum256([]byte(keyID + "\x00" + protected))

	return &ProtectResponse{
		ArtifactID:    shortID("artifact"),
		ProtectedText: protected,
		KeyID:         keyID,
		SignatureHash: hex.EncodeToString(sum[:]),
	}, nil
}

// detectEntities applies every detector; offsets are in characters.
func detectEntities(text string) []annotate.Span {
	var spans []annotate.Span
	for _, det := range demoDetectors {
		for _, m := range det.pattern.FindAllStringSubmatchIndex(text, -1) {
			from, to := m[2*det.group], m[2*det.group+1]
			if from < 0 {
				continue
			}
			value := text[from:to]
			start := utf8.RuneCountInString(text[:from])
			spans = append(spans, annotate.Span{
				ID:         shortID("entity"),
				Text:       value,
				Category:   det.label,
				Start:      start,
				End:        start + utf8.RuneCountInString(value),
				Confidence: scoreEntity(det.confidence, value),
			})
		}
	}
	return spans
}

// scoreEntity raises confidence with the length of the match, capped at the base score.
func scoreEntity(base float64, value string) float64 {
	n := float64(utf8.RuneCountInString(value))
	return base * math.Min(1.0, 0.9+0.1*n/10)
}

func markerCode(label string) string {
	for _, det := range demoDetectors {
		if det.label == label {
			return det.code
		}
	}
	return "PHI"
}

// replaceWithMarkers writes one marker per outermost entity and keeps the
// rest of the text.
func replaceWithMarkers(text string, spans []annotate.Span) string {
	var b strings.Builder
	var current annotate.Span
	inside := false
	for _, seg := range annotate.Segments(text, spans) {
		if len(seg.Active) == 0 {
			b.WriteString(seg.Text)
			inside = false
			continue
		}
		outer := seg.Active[0]
		if !inside || outer != current {
			b.WriteString("[" + markerCode(outer.Category) + "]")
			current, inside = outer, true
		}
	}
	return b.String()
}
