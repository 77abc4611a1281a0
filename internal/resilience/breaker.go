// Package resilience wraps outbound HTTPS clients in circuit breakers
// (C11), fast-failing against a persistently unhealthy upstream instead
// of letting every call queue behind it. This sits in front of, and
// never replaces, the per-session reconnect/backoff policy the bridge
// session owns for the AI peer.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// Breaker wraps calls returning a single result type T.
type Breaker[T any] struct {
	cb *gobreaker.CircuitBreaker[T]
}

// New builds a Breaker named name, tripping after defaultMaxFailures
// consecutive failures and allowing one probe after defaultTimeout.
func New[T any](name string, logger *zap.Logger) *Breaker[T] {
	cb := gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    defaultInterval,
		Timeout:     defaultTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= defaultMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Breaker[T]{cb: cb}
}

// Execute runs fn through the breaker, wrapping an open-circuit error
// with the breaker's name so callers can tell fast-fail apart from a
// real transport failure while still treating both as one failure
// toward their own retry budget.
func (b *Breaker[T]) Execute(ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	result, err := b.cb.Execute(func() (T, error) {
		return fn(ctx)
	})
	if err != nil && (err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests) {
		return result, fmt.Errorf("%s: circuit open: %w", b.cb.Name(), err)
	}
	return result, err
}
