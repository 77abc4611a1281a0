// Package registry holds the in-memory call-context map keyed by request
// ID (C3: Call Registry). Entries survive the HTTP→WebSocket hop that
// links outbound-call creation to the later media stream connection.
package registry

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// TTL is how long an entry survives without being claimed or forgotten.
const TTL = 24 * time.Hour

// Context is one call's pre-stream state: the free-form fields passed
// to the AI peer at session start, plus bookkeeping for the TTL sweep.
type Context struct {
	RequestID string
	CallID    string
	Script    string
	Persona   string
	Freeform  string
	CreatedAt time.Time
}

// Registry is a concurrency-safe map from requestId to Context, swept
// hourly for entries older than TTL.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Context
	logger  *zap.Logger
	cron    *cron.Cron
}

// New builds an empty Registry and starts its hourly sweep schedule.
func New(logger *zap.Logger) *Registry {
	r := &Registry{
		entries: make(map[string]*Context),
		logger:  logger,
		cron:    cron.New(),
	}
	if _, err := r.cron.AddFunc("@hourly", func() { r.Sweep(TTL) }); err != nil {
		logger.Error("failed to schedule registry sweep", zap.Error(err))
	}
	r.cron.Start()
	return r
}

// Put stores ctx keyed by its RequestID.
func (r *Registry) Put(ctx *Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[ctx.RequestID] = ctx
}

// Get returns the context for requestID, or nil if absent. Entries
// older than TTL stay visible until Sweep removes them.
func (r *Registry) Get(requestID string) *Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[requestID]
}

// SetCallID records the telephony-provider call id assigned to
// requestID after call creation, under the same lock Forget reads
// ctx.CallID with.
func (r *Registry) SetCallID(requestID, callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx, ok := r.entries[requestID]; ok {
		ctx.CallID = callID
	}
}

// Forget removes every entry whose CallID matches callID. Call IDs are
// assigned after the request ID is minted, so this is a linear scan
// over a map expected to stay small (one entry per in-flight call).
func (r *Registry) Forget(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for reqID, ctx := range r.entries {
		if ctx.CallID == callID {
			delete(r.entries, reqID)
		}
	}
}

// Sweep removes entries older than olderThan. Exported so tests can
// drive it deterministically instead of waiting on the cron schedule.
func (r *Registry) Sweep(olderThan time.Duration) {
	cutoff := time.Now().Add(-olderThan)
	r.mu.Lock()
	defer r.mu.Unlock()
	for reqID, ctx := range r.entries {
		if ctx.CreatedAt.Before(cutoff) {
			delete(r.entries, reqID)
		}
	}
}

// Stop halts the sweep schedule. Registered in PhaseStopSchedules.
func (r *Registry) Stop() {
	<-r.cron.Stop().Done()
}
