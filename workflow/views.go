package workflow

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"deid-viewer/annotate"
	"deid-viewer/backend"
	"deid-viewer/overlay"
)

// NotAvailable stands in for audit values the backend did not return.
const NotAvailable = "N/A"

// NoProtectedText is shown when protection produced no text.
const NoProtectedText = "无保护后文本"

// DetectionView is the rendered detection result of the current ingest.
type DetectionView struct {
	IngestID string                 `json:"ingest_id"`
	Text     string                 `json:"text"`
	Marked   string                 `json:"marked_text"`
	Entities []annotate.Span        `json:"entities"`
	Rejected []*annotate.RangeError `json:"rejected,omitempty"`
	Regions  []overlay.Region       `json:"regions"`
	Overlays []overlay.Descriptor   `json:"overlays"`
}

// AuditField is one line of the protection audit display.
type AuditField struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ProtectionView is the rendered protection result.
type ProtectionView struct {
	ArtifactID string          `json:"artifact_id"`
	Text       string          `json:"protected_text"`
	Marked     string          `json:"marked_text"`
	Markers    []annotate.Span `json:"markers"`
	Audit      []AuditField    `json:"audit"`
}

// Field returns the audit value stored under key.
func (v *ProtectionView) Field(key string) string {
	for _, f := range v.Audit {
		if f.Key == key {
			return f.Value
		}
	}
	return ""
}

// Results fetches the detection for the current ingest, renders the
// annotations and replaces the overlay layer with the composed regions.
func (c *Controller) Results(ctx context.Context) (*DetectionView, error) {
	c.mu.Lock()
	ingestID := c.session.IngestID
	text := c.lastUpload.Text
	compositor := c.compositor
	c.mu.Unlock()
	if ingestID == "" {
		return nil, ErrMissingSession
	}

	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	det, err := c.backend.Detect(callCtx, backend.DetectRequest{IngestID: ingestID, Text: text})
	if err != nil {
		return nil, fmt.Errorf("detect failed: %w", err)
	}
	if det.IngestID == "" {
		det.IngestID = ingestID
	}
	if det.Text == "" {
		det.Text = text
	}

	view, err := BuildDetectionView(det, c.renderer, compositor)
	if err != nil {
		return nil, err
	}
	c.layer.Apply(view.Overlays)

	c.logger.WithFields(logrus.Fields{
		"ingest_id": ingestID,
		"entities":  len(view.Entities),
		"rejected":  len(view.Rejected),
		"regions":   len(view.Overlays),
	}).Debug("Detection rendered")
	return view, nil
}

// BuildDetectionView renders a detection result: annotated text plus overlay
// descriptors for its regions.
func BuildDetectionView(det *backend.Detection, r annotate.Renderer, comp overlay.Compositor) (*DetectionView, error) {
	res, err := r.Render(det.Text, det.Entities)
	if err != nil {
		return nil, err
	}

	regions := det.AllRegions()
	return &DetectionView{
		IngestID: det.IngestID,
		Text:     det.Text,
		Marked:   res.Text,
		Entities: det.Entities,
		Rejected: res.Rejected,
		Regions:  regions,
		Overlays: comp.Compose(regions),
	}, nil
}

// Protection returns the last protection view, or nil before the first
// successful protect.
func (c *Controller) Protection() *ProtectionView {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.protection == nil {
		return nil
	}
	v := *c.protection
	v.Audit = append([]AuditField(nil), c.protection.Audit...)
	v.Markers = append([]annotate.Span(nil), c.protection.Markers...)
	return &v
}

// BuildProtectionView renders the protected text, decorating the redaction
// markers it contains, and lists the audit fields in display order.
func BuildProtectionView(resp *backend.ProtectResponse, r annotate.Renderer) *ProtectionView {
	markers := annotate.FindMarkers(resp.ProtectedText)
	marked := NoProtectedText
	if resp.ProtectedText != "" {
		res, err := r.Render(resp.ProtectedText, markers)
		if err != nil {
			log.WithError(err).Warn("Protected text could not be annotated")
			res, _ = annotate.Renderer{Markup: r.Markup}.Render(resp.ProtectedText, nil)
		}
		marked = res.Text
	}

	return &ProtectionView{
		ArtifactID: resp.ArtifactID,
		Text:       resp.ProtectedText,
		Marked:     marked,
		Markers:    markers,
		Audit: []AuditField{
			{Key: "artifact_id", Value: orNA(resp.ArtifactID)},
			{Key: "key_id", Value: orNA(resp.KeyID)},
			{Key: "signature_hash", Value: orNA(resp.SignatureHash)},
		},
	}
}

func orNA(s string) string {
	if s == "" {
		return NotAvailable
	}
	return s
}
