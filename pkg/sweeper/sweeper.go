// Package sweeper periodically expires pending requests that waited too long
// for a decision.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/panelbroker/gamebroker/pkg/metrics"
)

// Expirer moves stale pending requests to expired. *broker.Orchestrator implements it.
type Expirer interface {
	SweepExpired(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Defaults match a daily request lifetime checked hourly.
const (
	DefaultInterval = time.Hour
	DefaultMaxAge   = 24 * time.Hour
)

// Sweeper runs expiry on a fixed interval.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	maxAge   time.Duration
}

// New creates a sweeper. Non-positive durations fall back to the defaults.
func New(expirer Expirer, interval, maxAge time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Sweeper{expirer: expirer, interval: interval, maxAge: maxAge}
}

// RunOnce performs a single sweep and returns how many requests expired.
func (s *Sweeper) RunOnce(ctx context.Context) (int64, error) {
	start := time.Now()
	n, err := s.expirer.SweepExpired(ctx, s.maxAge)
	if err != nil {
		metrics.SweepErrors.Inc()
		slog.Error("sweep_failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		return 0, err
	}
	slog.Info("sweep_complete", "expired_count", n, "max_age", s.maxAge, "duration_ms", time.Since(start).Milliseconds())
	return n, nil
}

// Run sweeps immediately and then every interval until ctx is cancelled.
// Sweep errors are logged and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) error {
	slog.Info("sweeper_started", "interval", s.interval, "max_age", s.maxAge)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			slog.Info("sweeper_stopped")
			return nil
		case <-ticker.C:
		}
	}
}
