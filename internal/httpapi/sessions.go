package httpapi

import (
	"context"
	"sync"

	"github.com/vossbridge/relay/pkg/bridge"
)

// SessionTracker keeps a set of in-flight bridge sessions so the
// shutdown coordinator's drain phase can wait for every call to reach
// CLOSED instead of dropping live conversations on process exit.
type SessionTracker struct {
	mu       sync.Mutex
	sessions map[*bridge.Session]struct{}
}

// NewSessionTracker builds an empty tracker.
func NewSessionTracker() *SessionTracker {
	return &SessionTracker{sessions: make(map[*bridge.Session]struct{})}
}

// Track registers s as in-flight.
func (t *SessionTracker) Track(s *bridge.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sessions[s] = struct{}{}
}

// Untrack removes s once its Run has returned.
func (t *SessionTracker) Untrack(s *bridge.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.sessions, s)
}

// Drain blocks until every currently tracked session finishes or ctx
// is done, whichever comes first.
func (t *SessionTracker) Drain(ctx context.Context) error {
	t.mu.Lock()
	done := make([]<-chan struct{}, 0, len(t.sessions))
	for s := range t.sessions {
		done = append(done, s.Done())
	}
	t.mu.Unlock()

	for _, ch := range done {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
