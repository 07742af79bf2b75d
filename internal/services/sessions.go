package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dpup/prefab/logging"
	"github.com/google/uuid"

	"github.com/ersn/hazardroute/server/internal/lib/feed"
	"github.com/ersn/hazardroute/server/internal/lib/routing"
)

var (
	// ErrSessionNotFound is returned for unknown session ids
	ErrSessionNotFound = errors.New("session not found")

	// ErrTooManySessions is returned when the registry is at capacity
	ErrTooManySessions = errors.New("too many routing sessions")
)

// Session is one dashboard user's routing context: a supervisor plus its outcome stream
type Session struct {
	ID         string
	CreatedAt  time.Time
	Supervisor *RouteSafetySupervisor
	Outcomes   *OutcomeBroadcaster
}

// SessionRegistry creates and tracks routing sessions sharing one hazard monitor
type SessionRegistry struct {
	provider        RouteProvider
	monitor         *feed.Monitor
	segmenter       *routing.Segmenter
	metrics         MetricsRecorder
	providerTimeout time.Duration
	maxSessions     int

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry. maxSessions <= 0 means unlimited.
func NewSessionRegistry(provider RouteProvider, monitor *feed.Monitor, segmenter *routing.Segmenter, metrics MetricsRecorder, providerTimeout time.Duration, maxSessions int) *SessionRegistry {
	return &SessionRegistry{
		provider:        provider,
		monitor:         monitor,
		segmenter:       segmenter,
		metrics:         metrics,
		providerTimeout: providerTimeout,
		maxSessions:     maxSessions,
		sessions:        make(map[string]*Session),
	}
}

// Create starts a new session with its own supervisor
func (r *SessionRegistry) Create(ctx context.Context) (*Session, error) {
	ctx = logging.EnsureLogger(ctx)

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		return nil, fmt.Errorf("%w: limit %d", ErrTooManySessions, r.maxSessions)
	}

	id := uuid.NewString()
	outcomes := NewOutcomeBroadcaster(32)

	opts := []SupervisorOption{WithOutcomeHandler(outcomes.Publish), WithMetrics(r.metrics)}
	if r.providerTimeout > 0 {
		opts = append(opts, WithProviderTimeout(r.providerTimeout))
	}

	// Detach from the request context: the session outlives the call that created it
	sessionCtx := context.WithoutCancel(ctx)
	session := &Session{
		ID:         id,
		CreatedAt:  time.Now(),
		Supervisor: NewRouteSafetySupervisor(sessionCtx, r.provider, r.monitor, r.segmenter, opts...),
		Outcomes:   outcomes,
	}
	r.sessions[id] = session

	logging.Infow(ctx, "Routing session created", "session_id", id, "sessions", len(r.sessions))
	return session, nil
}

// Get looks up a session by id
func (r *SessionRegistry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return session, nil
}

// Close stops and removes a session
func (r *SessionRegistry) Close(ctx context.Context, id string) error {
	r.mu.Lock()
	session, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	session.Supervisor.Close()
	session.Outcomes.Close()
	logging.Infow(logging.EnsureLogger(ctx), "Routing session closed", "session_id", id)
	return nil
}

// CloseAll stops every session
func (r *SessionRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, session := range sessions {
		session.Supervisor.Close()
		session.Outcomes.Close()
	}
	logging.Infow(logging.EnsureLogger(ctx), "Closed all routing sessions", "count", len(sessions))
}

// Count returns the number of live sessions
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
