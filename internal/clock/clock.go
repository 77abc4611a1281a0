// Package clock abstracts time so the bridge session's reconnect
// backoff can be driven deterministically in tests instead of waiting
// on real wall-clock delays. The session's idle timeout does not go
// through Clock; it runs on a real time.AfterFunc timer.
package clock

import (
	"sync"
	"time"
)

// Clock provides the time operations the relay needs.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// realClock uses the standard time package.
type realClock struct{}

// New returns a Clock backed by real system time.
func New() Clock { return realClock{} }

func (realClock) Now() time.Time                       { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Mock is a controllable clock for tests. After returns immediately;
// tests that need to assert on elapsed delay record each requested
// duration instead of actually waiting for it.
type Mock struct {
	mu      sync.Mutex
	current time.Time
	delays  []time.Duration
}

// NewMock builds a Mock starting at t.
func NewMock(t time.Time) *Mock {
	return &Mock{current: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// After records the requested delay and fires immediately, so tests
// asserting on S5's "1000ms, 2000ms" backoff schedule read Delays()
// instead of burning wall-clock time.
func (m *Mock) After(d time.Duration) <-chan time.Time {
	m.mu.Lock()
	m.delays = append(m.delays, d)
	m.current = m.current.Add(d)
	m.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- m.current
	return ch
}

// Delays returns every duration requested via After, in order.
func (m *Mock) Delays() []time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]time.Duration, len(m.delays))
	copy(out, m.delays)
	return out
}
