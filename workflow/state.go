package workflow

import (
	"errors"
	"fmt"
)

// State is the position of a session in the upload/protect workflow.
type State int

const (
	Idle State = iota
	Uploading
	Uploaded
	Protecting
	Protected
	Failed
)

var stateNames = [...]string{"idle", "uploading", "uploaded", "protecting", "protected", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Stable reports whether the state has no operation in flight.
func (s State) Stable() bool {
	return s == Idle || s == Uploaded || s == Protected
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for i, name := range stateNames {
		if name == string(b) {
			*s = State(i)
			return nil
		}
	}
	return fmt.Errorf("unknown workflow state %q", string(b))
}

// Action names the operation a step performs.
type Action int

const (
	NoAction Action = iota
	ActionUpload
	ActionProtect
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionProtect:
		return "protect"
	default:
		return ""
	}
}

func (a Action) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

var (
	// ErrValidation is returned when an upload carries neither a file nor
	// text, or a protection policy is malformed. Nothing changes and no
	// backend call is made.
	ErrValidation = errors.New("validation failed")

	// ErrMissingSession is returned when protection or results are requested
	// before an ingest identifier is known.
	ErrMissingSession = errors.New("no ingest session")

	// ErrBusy is returned while another upload or protect is in flight.
	ErrBusy = errors.New("another operation is in progress")

	// ErrInvalidTransition is returned for commands the current state does not accept.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Session is a snapshot of one page view's workflow.
type Session struct {
	IngestID   string `json:"ingest_id,omitempty"`
	ArtifactID string `json:"artifact_id,omitempty"`
	State      State  `json:"state"`

	// FailedStep and Err describe the last failure; Retry re-enters FailedStep.
	FailedStep Action `json:"failed_step,omitempty"`
	Err        string `json:"error,omitempty"`
}

// Event is delivered to subscribers on every state change.
type Event struct {
	From    State   `json:"from"`
	To      State   `json:"to"`
	Session Session `json:"session"`
}
