// Package throttle enforces per-provider dispatch policy: a bound on
// concurrently in-flight tasks and a requests-per-minute cap applied
// across submissions regardless of execution mode.
package throttle

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/foliosai/folios/internal/domain"
	"github.com/foliosai/folios/internal/provider"
)

// Gate is one provider's throttle. Slots bound concurrency; the rate
// limiter spaces submissions out.
type Gate struct {
	slots   chan struct{}
	limiter *rate.Limiter // nil when no rpm cap is configured
}

func NewGate(t provider.Throttle) *Gate {
	maxConcurrent := t.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	g := &Gate{slots: make(chan struct{}, maxConcurrent)}
	if t.RequestsPerMinute > 0 {
		g.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.RequestsPerMinute)), 1)
	}
	return g
}

// Acquire blocks until a concurrency slot is free and the rate limiter
// admits a submission, or the context is canceled.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			<-g.slots
			return err
		}
	}
	return nil
}

// Release frees a concurrency slot once the task reaches a state where
// it no longer counts as in-flight.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
		// Releasing an unheld slot is a programming error; tolerate it
		// rather than block.
	}
}

// InFlight returns the number of currently held slots.
func (g *Gate) InFlight() int { return len(g.slots) }

// Capacity returns the concurrency bound, after normalization.
func (g *Gate) Capacity() int { return cap(g.slots) }

// Set keeps one Gate per provider.
type Set struct {
	mu    sync.Mutex
	gates map[domain.ProviderID]*Gate
}

func NewSet() *Set {
	return &Set{gates: make(map[domain.ProviderID]*Gate)}
}

// For returns the gate for a provider, creating it from the plugin's
// declared throttle on first use.
func (s *Set) For(id domain.ProviderID, t provider.Throttle) *Gate {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.gates[id]
	if !ok {
		g = NewGate(t)
		s.gates[id] = g
	}
	return g
}
