package backend

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/sony/gobreaker"

	"threatwatch/internal/logger"
	"threatwatch/pkg/models"
)

// Fetcher is the pair of pull operations the session needs.
type Fetcher interface {
	FetchRecent(ctx context.Context, limit int) ([]models.Alert, error)
	FetchSummary(ctx context.Context) (*models.Summary, error)
}

// ReliableConfig tunes retries and the summary breaker.
type ReliableConfig struct {
	SeedAttempts   uint
	SeedRetryDelay time.Duration
	BreakerTimeout time.Duration
	BreakerTrips   uint32
}

// Reliable retries the bulk fetch and guards summary fetches with a circuit
// breaker, since a summary fetch is issued for every ingested alert.
type Reliable struct {
	next Fetcher
	cfg  ReliableConfig
	cb   *gobreaker.CircuitBreaker
}

// NewReliable wraps next.
func NewReliable(next Fetcher, cfg ReliableConfig) *Reliable {
	if cfg.SeedAttempts == 0 {
		cfg.SeedAttempts = 5
	}
	if cfg.SeedRetryDelay <= 0 {
		cfg.SeedRetryDelay = time.Second
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if cfg.BreakerTrips == 0 {
		cfg.BreakerTrips = 5
	}
	trips := cfg.BreakerTrips

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "summary-fetch",
		MaxRequests: 1,
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= trips
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warnf("Circuit breaker %s: %s -> %s", name, from, to)
		},
	})

	return &Reliable{next: next, cfg: cfg, cb: cb}
}

// FetchRecent retries the bulk fetch with backoff. Client errors (4xx) are
// not retried.
func (r *Reliable) FetchRecent(ctx context.Context, limit int) ([]models.Alert, error) {
	var out []models.Alert
	attempt := 0
	err := retry.New(
		retry.Context(ctx),
		retry.Attempts(r.cfg.SeedAttempts),
		retry.Delay(r.cfg.SeedRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryable),
	).Do(func() error {
		attempt++
		alerts, err := r.next.FetchRecent(ctx, limit)
		if err != nil {
			logger.Warnf("Bulk alert fetch attempt %d failed: %v", attempt, err)
			return err
		}
		out = alerts
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FetchSummary fetches through the breaker. An open breaker fails fast with
// gobreaker.ErrOpenState.
func (r *Reliable) FetchSummary(ctx context.Context) (*models.Summary, error) {
	res, err := r.cb.Execute(func() (interface{}, error) {
		return r.next.FetchSummary(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*models.Summary), nil
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500 || se.Code == 429
	}
	return !errors.Is(err, context.Canceled)
}
