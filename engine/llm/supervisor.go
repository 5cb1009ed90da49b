package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/WessleyAI/wessley-catalog/engine/domain"
	"github.com/WessleyAI/wessley-catalog/pkg/resilience"
)

// SupervisorOpts configures a Supervisor.
type SupervisorOpts struct {
	// RatePerSec caps outgoing completions across all providers; 0 disables.
	RatePerSec float64
	Burst      int
	Breaker    resilience.BreakerOpts
}

// DefaultSupervisorOpts returns conservative defaults.
func DefaultSupervisorOpts() SupervisorOpts {
	return SupervisorOpts{
		RatePerSec: 5,
		Burst:      5,
		Breaker:    resilience.BreakerOpts{FailThreshold: 3, Timeout: resilience.DefaultBreakerOpts.Timeout},
	}
}

type guarded struct {
	Provider
	breaker *resilience.Breaker
}

// Supervisor is a Provider that fails over between ordered providers. The
// last provider that answered is tried first on the next call; on failure
// the rest are probed in order and the first to answer becomes the new
// preferred provider.
type Supervisor struct {
	providers []guarded
	preferred atomic.Int32
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// NewSupervisor creates a Supervisor over providers in preference order.
func NewSupervisor(providers []Provider, opts SupervisorOpts, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "llm")
	s := &Supervisor{logger: logger}
	if opts.RatePerSec > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSec), burst)
	}
	for _, p := range providers {
		bo := opts.Breaker
		bo.Name = p.Name()
		bo.OnStateChange = func(name string, from, to resilience.State) {
			logger.Warn("llm provider breaker", "provider", name, "from", from.String(), "to", to.String())
		}
		s.providers = append(s.providers, guarded{Provider: p, breaker: resilience.NewBreaker(bo)})
	}
	return s
}

func (s *Supervisor) Name() string { return "supervisor" }

// Preferred returns the name of the last provider that answered.
func (s *Supervisor) Preferred() string {
	if len(s.providers) == 0 {
		return ""
	}
	return s.providers[s.preferred.Load()].Name()
}

// Available reports whether at least one provider's breaker would let a
// call through.
func (s *Supervisor) Available() bool {
	for _, g := range s.providers {
		if g.breaker.Allow() {
			return true
		}
	}
	return false
}

// Complete implements Provider.
func (s *Supervisor) Complete(ctx context.Context, p Prompt) (Reply, error) {
	if len(s.providers) == 0 {
		return Reply{}, fmt.Errorf("llm: no providers configured: %w", domain.ErrDependencyUnavailable)
	}
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Reply{}, fmt.Errorf("llm: rate limit: %w", err)
		}
	}

	start := int(s.preferred.Load())
	var lastErr error
	for _, idx := range s.order(start) {
		g := s.providers[idx]

		var reply Reply
		err := g.breaker.Call(ctx, func(ctx context.Context) error {
			var err error
			reply, err = g.Complete(ctx, p)
			return err
		})
		if err == nil {
			if idx != start {
				s.preferred.Store(int32(idx))
				s.logger.Info("llm provider switched", "provider", g.Name())
			}
			return reply, nil
		}
		lastErr = err
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			s.logger.Warn("llm provider failed", "provider", g.Name(), "err", err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return Reply{}, fmt.Errorf("llm: all providers failed: %w: %w", domain.ErrDependencyUnavailable, lastErr)
}

// order lists provider indexes: the preferred one, then the rest in
// configured order.
func (s *Supervisor) order(preferred int) []int {
	out := make([]int, 0, len(s.providers))
	out = append(out, preferred)
	for i := range s.providers {
		if i != preferred {
			out = append(out, i)
		}
	}
	return out
}
