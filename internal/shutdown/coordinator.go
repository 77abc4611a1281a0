// Package shutdown coordinates phased, bounded graceful shutdown.
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Service is anything that must release resources before the process exits.
type Service interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// ServiceFunc adapts a plain function to Service.
type ServiceFunc struct {
	ServiceName string
	ShutdownFn  func(ctx context.Context) error
}

func (s ServiceFunc) Name() string                       { return s.ServiceName }
func (s ServiceFunc) Shutdown(ctx context.Context) error { return s.ShutdownFn(ctx) }

// Phase orders shutdown work. Services within a phase run concurrently;
// phases run strictly in sequence.
type Phase int

const (
	// PhaseStopAccepting closes listeners so no new WebSocket or HTTP
	// connection is accepted.
	PhaseStopAccepting Phase = iota
	// PhaseDrainSessions waits for in-flight BridgeSessions to reach CLOSED.
	PhaseDrainSessions
	// PhaseStopSchedules cancels background schedules (registry sweep).
	PhaseStopSchedules
	// PhaseCloseResources closes pooled resources (audit database).
	PhaseCloseResources
)

func (p Phase) String() string {
	switch p {
	case PhaseStopAccepting:
		return "stop-accepting"
	case PhaseDrainSessions:
		return "drain-sessions"
	case PhaseStopSchedules:
		return "stop-schedules"
	case PhaseCloseResources:
		return "close-resources"
	default:
		return "unknown"
	}
}

// Coordinator runs registered services' shutdown in phase order, bounded
// by an overall timeout measured from the moment Shutdown is called.
type Coordinator struct {
	mu       sync.Mutex
	services map[Phase][]Service
	timeout  time.Duration
	logger   *zap.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	done         chan struct{}
	timedOut     bool
}

// NewCoordinator builds a Coordinator with the given overall timeout.
func NewCoordinator(timeout time.Duration, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		services:   make(map[Phase][]Service),
		timeout:    timeout,
		logger:     logger,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Register adds svc to run during phase.
func (c *Coordinator) Register(phase Phase, svc Service) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[phase] = append(c.services[phase], svc)
}

// RegisterFunc is a convenience wrapper around Register.
func (c *Coordinator) RegisterFunc(phase Phase, name string, fn func(ctx context.Context) error) {
	c.Register(phase, ServiceFunc{ServiceName: name, ShutdownFn: fn})
}

// Shutdown triggers the phase sequence once and blocks until it finishes
// or the coordinator's timeout elapses. TimedOut reports which happened.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		close(c.shutdownCh)
		go c.run()
	})
	<-c.done
}

// ShutdownCh is closed the moment Shutdown is first called, before any
// phase runs — callers use it to stop accepting work immediately.
func (c *Coordinator) ShutdownCh() <-chan struct{} {
	return c.shutdownCh
}

// TimedOut reports whether the overall timeout elapsed before every
// phase finished. The process supervisor exits 1 in that case.
func (c *Coordinator) TimedOut() bool {
	return c.timedOut
}

func (c *Coordinator) run() {
	defer close(c.done)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	c.logger.Info("starting graceful shutdown", zap.Duration("timeout", c.timeout))

	phases := []Phase{PhaseStopAccepting, PhaseDrainSessions, PhaseStopSchedules, PhaseCloseResources}
	for _, phase := range phases {
		c.mu.Lock()
		services := c.services[phase]
		c.mu.Unlock()
		if len(services) == 0 {
			continue
		}

		c.logger.Info("shutdown phase", zap.String("phase", phase.String()), zap.Int("services", len(services)))
		c.runPhase(ctx, phase, services)

		if ctx.Err() != nil {
			c.logger.Error("shutdown timed out", zap.String("phase", phase.String()))
			c.timedOut = true
			return
		}
	}
	c.logger.Info("graceful shutdown complete")
}

func (c *Coordinator) runPhase(ctx context.Context, phase Phase, services []Service) {
	var wg sync.WaitGroup
	for _, svc := range services {
		wg.Add(1)
		go func(s Service) {
			defer wg.Done()
			if err := s.Shutdown(ctx); err != nil {
				c.logger.Error("service shutdown failed",
					zap.String("service", s.Name()),
					zap.String("phase", phase.String()),
					zap.Error(fmt.Errorf("%s: %w", s.Name(), err)),
				)
			}
		}(svc)
	}
	wg.Wait()
}
