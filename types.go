package main

import (
	"time"

	"deid-viewer/backend"
	"deid-viewer/workflow"
)

// CreateSessionRequest is the optional body of POST /api/sessions.
type CreateSessionRequest struct {
	IngestID string `json:"ingest_id"`
}

// ProtectSessionRequest is the body of POST /api/sessions/:id/protect.
// Without a policy the configured default is used.
type ProtectSessionRequest struct {
	Policy *backend.Policy `json:"policy"`
}

// SessionResponse is the JSON view of a page-view session.
type SessionResponse struct {
	SessionID  string           `json:"session_id"`
	Session    workflow.Session `json:"session"`
	HasPreview bool             `json:"has_preview"`
	CreatedAt  time.Time        `json:"created_at"`
}

// JobAcceptedResponse is returned when a step was queued.
type JobAcceptedResponse struct {
	JobID     string           `json:"job_id"`
	SessionID string           `json:"session_id"`
	Session   workflow.Session `json:"session"`
}

// JobResponse is the JSON view of a job.
type JobResponse struct {
	JobID     string    `json:"job_id"`
	SessionID string    `json:"session_id"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultsPage is the data of the server-rendered results page.
type ResultsPage struct {
	SessionID string
	IngestID  string
	View      *workflow.DetectionView
	Audit     []AuditRecord
	Policy    backend.Policy
	Error     string
}
