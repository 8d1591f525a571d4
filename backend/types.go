package backend

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"deid-viewer/annotate"
	"deid-viewer/overlay"
)

// ErrInvalidRequest is returned when a request fails local validation and
// was never sent.
var ErrInvalidRequest = errors.New("invalid request")

// NetworkError is a transport failure: the backend could not be reached or
// the exchange did not complete.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("%s: network error: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ServerError is a response the backend produced but which reports failure
// or lacks required fields.
type ServerError struct {
	Op         string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: server error (%d): %s", e.Op, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: server error: %s", e.Op, e.Message)
}

// IngestRequest carries the upload: an optional image payload and optional
// diagnosis text.
type IngestRequest struct {
	File     []byte
	FileName string
	Text     string
}

// Empty reports whether neither a file nor text was provided.
func (r IngestRequest) Empty() bool {
	return len(r.File) == 0 && strings.TrimSpace(r.Text) == ""
}

// IngestResponse is the payload of /api/ingest.
type IngestResponse struct {
	Status    string `json:"status"`
	IngestID  string `json:"ingest_id"`
	DicomPath string `json:"dicom_path,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DetectRequest asks for the detection result of an ingest.
type DetectRequest struct {
	IngestID string `json:"ingest_id" validate:"required"`
	Text     string `json:"text,omitempty"`
}

// Detection is the entity/ROI result consumed by the renderer and compositor.
type Detection struct {
	IngestID      string           `json:"ingest_id"`
	Text          string           `json:"text,omitempty"`
	Entities      []annotate.Span  `json:"entities"`
	Regions       []overlay.Region `json:"regions"`
	LegacyRegions []overlay.Region `json:"roi_regions,omitempty"`
	Status        string           `json:"status,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// AllRegions merges regions reported under either field name.
func (d *Detection) AllRegions() []overlay.Region {
	if len(d.LegacyRegions) == 0 {
		return d.Regions
	}
	out := make([]overlay.Region, 0, len(d.Regions)+len(d.LegacyRegions))
	out = append(out, d.Regions...)
	return append(out, d.LegacyRegions...)
}

// Encryption levels accepted by the protection backend.
const (
	EncryptionLow    = "low"
	EncryptionMedium = "medium"
	EncryptionHigh   = "high"
)

// Policy selects how the backend protects an ingest.
type Policy struct {
	EncryptionLevel string `json:"encryption_level" validate:"required,oneof=low medium high"`
	PreserveROI     bool   `json:"preserve_roi"`
	FPEEnabled      bool   `json:"fpe_enabled"`
}

// DefaultPolicy is the policy the upload view submits when nothing else is configured.
func DefaultPolicy() Policy {
	return Policy{
		EncryptionLevel: EncryptionHigh,
		PreserveROI:     true,
		FPEEnabled:      true,
	}
}

// ProtectRequest is the JSON body of /api/protect.
type ProtectRequest struct {
	IngestID string `json:"ingest_id" validate:"required"`
	Policy   Policy `json:"policy"`
}

// ProtectResponse is the payload of /api/protect.
type ProtectResponse struct {
	ArtifactID    string `json:"artifact_id"`
	ProtectedText string `json:"protected_text"`
	KeyID         string `json:"key_id"`
	SignatureHash string `json:"signature_hash"`
	Error         string `json:"error,omitempty"`
}

// Backend is the ingest/detect/protect service the workflow talks to.
type Backend interface {
	Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error)
	Detect(ctx context.Context, req DetectRequest) (*Detection, error)
	Protect(ctx context.Context, req ProtectRequest) (*ProtectResponse, error)
}
