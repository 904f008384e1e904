package assessment

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/safeops/internal/domain"
	"github.com/google/uuid"
)

const (
	defaultSweepInterval = time.Minute

	// defaultFinishedRetention keeps a finished session readable for a short
	// while so clients can fetch the final transcript.
	defaultFinishedRetention = time.Minute
)

type registryEntry struct {
	session    *Session
	lastSeen   time.Time
	finishedAt time.Time
}

func (e *registryEntry) finished() bool { return !e.finishedAt.IsZero() }

// Registry tracks the open sessions of a server and closes the idle ones.
type Registry struct {
	opts      Options
	ttl       time.Duration
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[string]*registryEntry
}

// NewRegistry creates a registry whose sessions share opts. Sessions idle for
// longer than ttl are closed by Sweep, and so are finished sessions once
// their terminal message has been shown for a minute.
func NewRegistry(opts Options, ttl time.Duration) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		opts:      opts,
		ttl:       ttl,
		retention: defaultFinishedRetention,
		now:       time.Now,
		logger:    logger,
		sessions:  make(map[string]*registryEntry),
	}
}

// Open starts a new session for subjectID.
func (r *Registry) Open(ctx context.Context, subjectID string, op domain.Operator) (*Session, error) {
	s := NewSession(uuid.NewString(), r.opts)
	s.OnFinish(func(res Result) { r.markFinished(res.SessionID) })
	if err := s.Open(ctx, subjectID, op); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[s.ID()] = &registryEntry{session: s, lastSeen: r.now()}
	count := r.liveLocked()
	r.mu.Unlock()

	r.logger.Info("Assessment session registered", "session_id", s.ID(), "subject_id", subjectID, "active", count)
	return s, nil
}

// Get returns the session and marks it as active.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	e.lastSeen = r.now()
	return e.session, nil
}

// Close closes and forgets the session.
func (r *Registry) Close(id string) error {
	r.mu.Lock()
	e, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	e.session.Close()
	return nil
}

// markFinished records that the session reached its terminal message.
func (r *Registry) markFinished(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && !e.finished() {
		e.finishedAt = r.now()
	}
}

// Len returns the number of sessions that have not finished yet.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.liveLocked()
}

func (r *Registry) liveLocked() int {
	n := 0
	for _, e := range r.sessions {
		if !e.finished() {
			n++
		}
	}
	return n
}

// Sweep closes every session idle for longer than the TTL or finished for
// longer than the retention, and returns how many were closed.
func (r *Registry) Sweep() int {
	now := r.now()
	idleCutoff := now.Add(-r.ttl)
	finishedCutoff := now.Add(-r.retention)

	r.mu.Lock()
	var expired []*Session
	for id, e := range r.sessions {
		switch {
		case e.finished() && !e.finishedAt.After(finishedCutoff):
			r.logger.Info("Releasing finished assessment session", "session_id", id)
		case e.lastSeen.Before(idleCutoff):
			r.logger.Info("Closing idle assessment session", "session_id", id, "ttl", r.ttl)
		default:
			continue
		}
		expired = append(expired, e.session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
	}
	return len(expired)
}

// CloseAll closes every tracked session and waits for their background work,
// such as in-flight submissions, to return. It gives up when ctx is done.
func (r *Registry) CloseAll(ctx context.Context) error {
	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for id, e := range r.sessions {
		all = append(all, e.session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, s := range all {
		s.Close()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, s := range all {
			s.Wait()
		}
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for %d sessions: %w", len(all), ctx.Err())
	}
}

// StartSweeper runs Sweep every interval until ctx is done.
func (r *Registry) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		r.logger.Info("Session sweeper started", "interval", interval, "ttl", r.ttl)

		for {
			select {
			case <-ticker.C:
				if n := r.Sweep(); n > 0 {
					r.logger.Info("Session sweeper released sessions", "count", n, "active", r.Len())
				}
			case <-ctx.Done():
				r.logger.Info("Session sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// State returns a snapshot of the session and marks it as active.
func (r *Registry) State(id string) (SessionState, error) {
	s, err := r.Get(id)
	if err != nil {
		return SessionState{}, err
	}
	return s.State(), nil
}
