package projector

import (
	"context"
	"log/slog"
	"time"
)

const (
	defaultSweepInterval = time.Minute
	defaultPendingTTL    = 24 * time.Hour
)

// Sweeper periodically expires pending updates whose mint never arrived.
type Sweeper struct {
	projector *Projector
	logger    *slog.Logger
	interval  time.Duration
	ttl       time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// SweeperOption configures the Sweeper.
type SweeperOption func(*Sweeper)

// WithSweepInterval sets how often the sweep runs.
func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithPendingTTL sets how long a buffered update may wait for its mint.
func WithPendingTTL(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithSweeperLogger sets the logger.
func WithSweeperLogger(logger *slog.Logger) SweeperOption {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

// NewSweeper creates a sweeper over the given projector.
func NewSweeper(p *Projector, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		projector: p,
		logger:    slog.Default(),
		interval:  defaultSweepInterval,
		ttl:       defaultPendingTTL,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the sweep loop in a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("pending sweeper started",
			"interval", s.interval,
			"ttl", s.ttl,
		)

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("pending sweeper stopped")
				return
			case <-ticker.C:
				if err := s.projector.SweepExpired(ctx, s.ttl); err != nil {
					s.logger.Error("pending sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop signals the loop to exit and waits for it, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
