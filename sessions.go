package main

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"deid-viewer/annotate"
	"deid-viewer/imaging"
	"deid-viewer/workflow"
)

// viewSession is one page view: its workflow controller and, when the upload
// could be decoded, the preview surface the overlays are placed on.
type viewSession struct {
	ID         string
	Controller *workflow.Controller
	CreatedAt  time.Time

	mu       sync.Mutex
	surface  *imaging.Surface
	lastSeen time.Time
}

func (s *viewSession) touch() {
	s.mu.Lock()
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

func (s *viewSession) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

func (s *viewSession) setSurface(surface *imaging.Surface) {
	s.mu.Lock()
	s.surface = surface
	s.mu.Unlock()
	if surface != nil {
		s.Controller.SetSurfaceScale(surface.Scale)
	} else {
		s.Controller.SetSurfaceScale(1)
	}
}

func (s *viewSession) Surface() *imaging.Surface {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.surface
}

// SessionStore keeps the live page-view sessions. Sessions are never persisted.
type SessionStore struct {
	sync.RWMutex
	sessions map[string]*viewSession
}

func newSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*viewSession)}
}

// create starts a session, reseeded with ingestID when one is given.
func (store *SessionStore) create(app *App, ingestID string) *viewSession {
	id := uuid.New().String()
	now := time.Now()
	sess := &viewSession{
		ID:        id,
		CreatedAt: now,
		lastSeen:  now,
		Controller: workflow.New(app.Backend,
			workflow.WithIngestID(ingestID),
			workflow.WithTimeout(requestTimeout),
			workflow.WithRenderer(detectionRenderer),
			workflow.WithLogger(sessionLogger(id)),
		),
	}

	store.Lock()
	store.sessions[id] = sess
	store.Unlock()

	sessionLogger(id).WithField("ingest_id", ingestID).Debug("Session created")
	return sess
}

func (store *SessionStore) get(id string) (*viewSession, bool) {
	store.RLock()
	sess, ok := store.sessions[id]
	store.RUnlock()
	if ok {
		sess.touch()
	}
	return sess, ok
}

func (store *SessionStore) count() int {
	store.RLock()
	defer store.RUnlock()
	return len(store.sessions)
}

// list returns the sessions, newest first.
func (store *SessionStore) list() []*viewSession {
	store.RLock()
	out := make([]*viewSession, 0, len(store.sessions))
	for _, s := range store.sessions {
		out = append(out, s)
	}
	store.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// evictIdle drops sessions that were not used for ttl and have nothing in
// flight. It returns the number of evicted sessions.
func (store *SessionStore) evictIdle(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	store.Lock()
	defer store.Unlock()
	evicted := 0
	for id, s := range store.sessions {
		if s.idleSince().After(cutoff) || !s.Controller.Session().State.Stable() {
			continue
		}
		delete(store.sessions, id)
		s.Controller.Layer().Clear()
		sessionLogger(id).Debug("Session evicted")
		evicted++
	}
	return evicted
}

// detectionRenderer escapes the diagnosis text, which is typed by users and
// ends up in the results page. Protected text keeps the workflow default.
var detectionRenderer = annotate.Renderer{Markup: annotate.HTMLMarkup{Escape: true}}

// sessionLogger returns a logger carrying the session id.
func sessionLogger(sessionID string) *logrus.Entry {
	return log.WithField("session_id", sessionID)
}
