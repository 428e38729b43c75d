package transport

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mxf/agent-runtime/internal/retry"
)

// ReconnectConfig controls the gateway's reconnect behavior.
type ReconnectConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       bool
}

// DefaultReconnectConfig returns the baseline reconnection schedule: five
// attempts, doubling from 2s up to 30s, with jitter.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Factor:       2,
		Jitter:       true,
	}
}

// Reconnector drives repeated connection attempts with exponential backoff
// until one succeeds, the context is canceled, or attempts are exhausted.
type Reconnector struct {
	Config ReconnectConfig
	Logger *slog.Logger

	// OnAttempt is called after each failed attempt with the 1-based
	// attempt number and the error, before the next backoff sleep.
	OnAttempt func(attempt int, err error)
}

// Run executes connect repeatedly until it returns nil, the context ends,
// or the attempt budget is exhausted. It returns the last error.
func (r *Reconnector) Run(ctx context.Context, connect func(context.Context) error) error {
	if connect == nil {
		return errors.New("transport: reconnector connect func is nil")
	}
	cfg := r.Config
	defaults := DefaultReconnectConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaults.InitialDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaults.MaxDelay
	}
	if cfg.Factor <= 0 {
		cfg.Factor = defaults.Factor
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := connect(ctx)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if retry.IsPermanent(err) {
			return err
		}

		attempt++
		if r.OnAttempt != nil {
			r.OnAttempt(attempt, err)
		}
		if r.Logger != nil {
			r.Logger.Warn("gateway reconnect attempt failed", "attempt", attempt, "error", err)
		}
		if cfg.MaxAttempts > 0 && attempt >= cfg.MaxAttempts {
			return err
		}

		delay := retry.Backoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		if cfg.Jitter {
			delay = retry.BackoffWithJitter(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.Factor)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}
