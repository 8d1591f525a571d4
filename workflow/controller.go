// Package workflow sequences ingest, detection rendering and protection for
// one page view. A Controller owns its Session; presentation code learns
// about changes by subscribing instead of reading shared state.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"deid-viewer/annotate"
	"deid-viewer/backend"
	"deid-viewer/overlay"
)

var log = logrus.New()

// DefaultTimeout bounds every backend call unless WithTimeout says otherwise.
const DefaultTimeout = 60 * time.Second

// Upload is the input of the upload step.
type Upload struct {
	File     []byte
	FileName string
	Text     string
}

// Empty reports whether neither a file nor text was provided.
func (u Upload) Empty() bool {
	return len(u.File) == 0 && strings.TrimSpace(u.Text) == ""
}

// Controller is the workflow state machine of one session.
type Controller struct {
	backend    backend.Backend
	timeout    time.Duration
	renderer   annotate.Renderer
	protRender annotate.Renderer
	compositor overlay.Compositor
	logger     *logrus.Entry
	validate   *validator.Validate
	layer      overlay.Layer

	mu         sync.Mutex
	session    Session
	inFlight   bool
	lastUpload Upload
	lastPolicy backend.Policy
	protection *ProtectionView

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// Option configures a Controller.
type Option func(*Controller)

// WithIngestID reseeds the session from an identifier rendered by the server.
func WithIngestID(id string) Option {
	return func(c *Controller) {
		if id != "" {
			c.session.IngestID = id
			c.session.State = Uploaded
		}
	}
}

// WithTimeout sets the deadline applied to each backend call; zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) { c.timeout = d }
}

// WithRenderer sets the renderer for detection text.
func WithRenderer(r annotate.Renderer) Option {
	return func(c *Controller) { c.renderer = r }
}

// WithProtectionRenderer sets the renderer for protected text. The backend
// may return markup there, so the default leaves it unescaped.
func WithProtectionRenderer(r annotate.Renderer) Option {
	return func(c *Controller) { c.protRender = r }
}

func WithCompositor(comp overlay.Compositor) Option {
	return func(c *Controller) { c.compositor = comp }
}

func WithLogger(entry *logrus.Entry) Option {
	return func(c *Controller) { c.logger = entry }
}

// New creates a controller in Idle, or Uploaded when reseeded.
func New(b backend.Backend, opts ...Option) *Controller {
	c := &Controller{
		backend:  b,
		timeout:  DefaultTimeout,
		logger:   logrus.NewEntry(log),
		validate: validator.New(),
		subs:     make(map[int]func(Event)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns a snapshot of the current session.
func (c *Controller) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Layer is the overlay set last applied by Results.
func (c *Controller) Layer() *overlay.Layer {
	return &c.layer
}

// SetSurfaceScale adjusts overlay placement to a resized display surface.
func (c *Controller) SetSurfaceScale(scale float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.compositor.Scale = scale
}

// Subscribe registers fn for state changes. Callbacks run synchronously on
// the goroutine that caused the change, after the controller is unlocked.
func (c *Controller) Subscribe(fn func(Event)) (cancel func()) {
	c.subMu.Lock()
	id := c.nextID
	c.nextID++
	c.subs[id] = fn
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.subs, id)
		c.subMu.Unlock()
	}
}

func (c *Controller) notify(events ...Event) {
	if len(events) == 0 {
		return
	}
	c.subMu.Lock()
	ids := make([]int, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Event), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.subs[id])
	}
	c.subMu.Unlock()

	for _, ev := range events {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

// moveLocked changes state and returns the event to publish. c.mu must be held.
func (c *Controller) moveLocked(to State) Event {
	from := c.session.State
	c.session.State = to
	c.logger.WithFields(logrus.Fields{
		"from": from.String(),
		"to":   to.String(),
	}).Debug("Workflow state changed")
	return Event{From: from, To: to, Session: c.session}
}

// Step is an accepted upload or protect whose backend work has not run yet.
// Run must be called exactly once; the controller stays busy until it is.
type Step struct {
	c        *Controller
	action   Action
	upload   Upload
	policy   backend.Policy
	ingestID string
	settle   State

	once sync.Once
}

// Action reports what the step does.
func (s *Step) Action() Action { return s.action }

// StartUpload accepts an upload: Idle → Uploading.
func (c *Controller) StartUpload(u Upload) (*Step, error) {
	if u.Empty() {
		return nil, fmt.Errorf("%w: a file or diagnosis text is required", ErrValidation)
	}

	c.mu.Lock()
	step, ev, err := c.beginUploadLocked(u)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.notify(ev)
	return step, nil
}

func (c *Controller) beginUploadLocked(u Upload) (*Step, Event, error) {
	if c.inFlight {
		return nil, Event{}, ErrBusy
	}
	if c.session.State != Idle {
		return nil, Event{}, fmt.Errorf("%w: upload from %s", ErrInvalidTransition, c.session.State)
	}
	c.inFlight = true
	c.lastUpload = u
	ev := c.moveLocked(Uploading)
	return &Step{c: c, action: ActionUpload, upload: u, settle: Idle}, ev, nil
}

// StartProtect accepts a protection request: Uploaded|Protected → Protecting.
func (c *Controller) StartProtect(p backend.Policy) (*Step, error) {
	if err := c.validate.Struct(p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	c.mu.Lock()
	step, ev, err := c.beginProtectLocked(p)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.notify(ev)
	return step, nil
}

func (c *Controller) beginProtectLocked(p backend.Policy) (*Step, Event, error) {
	if c.inFlight {
		return nil, Event{}, ErrBusy
	}
	if c.session.IngestID == "" {
		return nil, Event{}, ErrMissingSession
	}
	if c.session.State != Uploaded && c.session.State != Protected {
		return nil, Event{}, fmt.Errorf("%w: protect from %s", ErrInvalidTransition, c.session.State)
	}
	c.inFlight = true
	c.lastPolicy = p
	ev := c.moveLocked(Protecting)
	return &Step{c: c, action: ActionProtect, policy: p, ingestID: c.session.IngestID, settle: Uploaded}, ev, nil
}

// StartRetry re-enters the step that failed last.
func (c *Controller) StartRetry() (*Step, error) {
	c.mu.Lock()
	var (
		step *Step
		ev   Event
		err  error
	)
	switch c.session.FailedStep {
	case ActionUpload:
		step, ev, err = c.beginUploadLocked(c.lastUpload)
	case ActionProtect:
		step, ev, err = c.beginProtectLocked(c.lastPolicy)
	default:
		if c.inFlight {
			err = ErrBusy
		} else {
			err = fmt.Errorf("%w: nothing to retry", ErrInvalidTransition)
		}
	}
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	c.notify(ev)
	return step, nil
}

// Upload runs a whole upload step.
func (c *Controller) Upload(ctx context.Context, u Upload) (Session, error) {
	step, err := c.StartUpload(u)
	if err != nil {
		return c.Session(), err
	}
	return step.Run(ctx)
}

// Protect runs a whole protect step.
func (c *Controller) Protect(ctx context.Context, p backend.Policy) (Session, error) {
	step, err := c.StartProtect(p)
	if err != nil {
		return c.Session(), err
	}
	return step.Run(ctx)
}

// Retry runs the failed step again.
func (c *Controller) Retry(ctx context.Context) (Session, error) {
	step, err := c.StartRetry()
	if err != nil {
		return c.Session(), err
	}
	return step.Run(ctx)
}

func (c *Controller) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}
	return context.WithCancel(ctx)
}

// Run performs the backend call of the step and settles the session.
// A failure passes through Failed and returns to the last stable state.
func (s *Step) Run(ctx context.Context) (Session, error) {
	ran := false
	var (
		sess Session
		err  error
	)
	s.once.Do(func() {
		ran = true
		switch s.action {
		case ActionUpload:
			sess, err = s.c.runUpload(ctx, s)
		case ActionProtect:
			sess, err = s.c.runProtect(ctx, s)
		}
	})
	if !ran {
		return s.c.Session(), fmt.Errorf("%w: step already ran", ErrInvalidTransition)
	}
	return sess, err
}

func (c *Controller) runUpload(ctx context.Context, s *Step) (Session, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.backend.Ingest(callCtx, backend.IngestRequest{
		File:     s.upload.File,
		FileName: s.upload.FileName,
		Text:     s.upload.Text,
	})
	if err == nil && resp.IngestID == "" {
		err = &backend.ServerError{Op: "ingest", Message: "response has no ingest_id"}
	}
	if err != nil {
		return c.fail(s, err)
	}

	c.mu.Lock()
	c.session.IngestID = resp.IngestID
	c.session.ArtifactID = ""
	c.session.FailedStep = NoAction
	c.session.Err = ""
	c.protection = nil
	c.inFlight = false
	ev := c.moveLocked(Uploaded)
	sess := c.session
	c.mu.Unlock()

	c.layer.Clear()
	c.logger.WithField("ingest_id", resp.IngestID).Info("Upload ingested")
	c.notify(ev)
	return sess, nil
}

func (c *Controller) runProtect(ctx context.Context, s *Step) (Session, error) {
	callCtx, cancel := c.callContext(ctx)
	defer cancel()

	resp, err := c.backend.Protect(callCtx, backend.ProtectRequest{
		IngestID: s.ingestID,
		Policy:   s.policy,
	})
	if err == nil && resp.ArtifactID == "" {
		err = &backend.ServerError{Op: "protect", Message: "response has no artifact_id"}
	}
	if err != nil {
		return c.fail(s, err)
	}

	view := BuildProtectionView(resp, c.protRender)

	c.mu.Lock()
	c.session.ArtifactID = resp.ArtifactID
	c.session.FailedStep = NoAction
	c.session.Err = ""
	c.protection = view
	c.inFlight = false
	ev := c.moveLocked(Protected)
	sess := c.session
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"ingest_id":   s.ingestID,
		"artifact_id": resp.ArtifactID,
	}).Info("Protection completed")
	c.notify(ev)
	return sess, nil
}

func (c *Controller) fail(s *Step, err error) (Session, error) {
	c.mu.Lock()
	c.session.FailedStep = s.action
	c.session.Err = err.Error()
	failed := c.moveLocked(Failed)
	settled := c.moveLocked(s.settle)
	c.inFlight = false
	sess := c.session
	c.mu.Unlock()

	c.logger.WithError(err).WithField("step", s.action.String()).Error("Workflow step failed")
	c.notify(failed, settled)
	return sess, fmt.Errorf("%s failed: %w", s.action, err)
}

// SetLogLevel sets the logging level for the workflow package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}
