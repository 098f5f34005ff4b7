package jwks

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/internal/observability"
)

// BreakerSettings configures the circuit breaker around key-set fetches.
type BreakerSettings struct {
	Name string
	// MaxFailures is the number of consecutive failed fetches that opens
	// the breaker.
	MaxFailures uint32
	// OpenTimeout is how long the breaker stays open before letting one
	// probe fetch through.
	OpenTimeout time.Duration
}

// Breaker is a Fetcher that stops calling an identity provider which keeps
// failing. While open, fetches fail immediately with a NetworkError. It never
// retries.
type Breaker struct {
	fetcher Fetcher
	cb      *gobreaker.CircuitBreaker
}

// NewBreaker wraps fetcher with a circuit breaker.
func NewBreaker(fetcher Fetcher, settings BreakerSettings, logger *zap.Logger, metrics *observability.Metrics) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if settings.Name == "" {
		settings.Name = "jwks"
	}
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.OpenTimeout <= 0 {
		settings.OpenTimeout = 30 * time.Second
	}

	maxFailures := settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("key set circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			metrics.RecordBreakerTransition(name, from.String(), to.String())
		},
	})

	return &Breaker{fetcher: fetcher, cb: cb}
}

// Fetch delegates to the wrapped fetcher unless the breaker is open.
func (b *Breaker) Fetch(ctx context.Context, baseURL string) (*Document, error) {
	v, err := b.cb.Execute(func() (interface{}, error) {
		return b.fetcher.Fetch(ctx, baseURL)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, autherr.Network("identity provider circuit open", err)
		}
		return nil, err
	}
	return v.(*Document), nil
}

// State returns the breaker state name ("closed", "half-open", "open").
func (b *Breaker) State() string {
	return b.cb.State().String()
}
