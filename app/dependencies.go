package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/upb/tokengate/config"
	"github.com/upb/tokengate/internal/observability"
	"github.com/upb/tokengate/jwks"
	"github.com/upb/tokengate/jwtverify"
	"github.com/upb/tokengate/middleware"
)

// Dependencies holds everything the server and the check command share.
// This is the central wiring point for dependency injection.
type Dependencies struct {
	// Infrastructure
	Config     *config.Config
	Logger     *zap.Logger
	Metrics    *observability.Metrics
	HTTPClient *http.Client

	// Key-set retrieval: Cache -> Breaker -> HTTPFetcher
	Fetcher *jwks.HTTPFetcher
	Breaker *jwks.Breaker
	KeySets *jwks.Cache

	// Verification
	Verifier *jwtverify.Verifier
	Gate     *middleware.Gate
}

// NewDependencies creates and wires up all application dependencies. It
// performs no I/O: the key set is fetched on first use.
func NewDependencies(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Dependencies, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	deps := &Dependencies{
		Config: cfg,
		Logger: logger,
	}

	if cfg.Observability.MetricsEnabled {
		deps.Metrics = observability.NewMetrics(cfg.Observability.MetricsNamespace)
	}

	deps.initKeySets(cfg)
	deps.initAuth(cfg)

	logger.Info("all dependencies initialized successfully",
		zap.String("authority", cfg.Auth.Authority),
		zap.String("jwks_url", jwks.JWKSURL(cfg.Auth.Authority)))
	return deps, nil
}

// initKeySets builds the single outbound client and the fetch chain
func (d *Dependencies) initKeySets(cfg *config.Config) {
	d.HTTPClient = &http.Client{Timeout: cfg.JWKS.FetchTimeout}

	d.Fetcher = jwks.NewHTTPFetcher(d.HTTPClient,
		jwks.WithFetchTimeout(cfg.JWKS.FetchTimeout),
		jwks.WithUserAgent(cfg.JWKS.UserAgent),
		jwks.WithFetcherLogger(d.Logger),
		jwks.WithFetcherMetrics(d.Metrics))

	d.Breaker = jwks.NewBreaker(d.Fetcher, jwks.BreakerSettings{
		Name:        "jwks",
		MaxFailures: cfg.JWKS.BreakerMaxFailures,
		OpenTimeout: cfg.JWKS.BreakerOpenTimeout,
	}, d.Logger, d.Metrics)

	d.KeySets = jwks.NewCache(d.Breaker,
		jwks.WithTTL(cfg.JWKS.CacheTTL),
		jwks.WithMinRefreshInterval(cfg.JWKS.MinRefreshInterval),
		jwks.WithSharedFetchTimeout(cfg.JWKS.FetchTimeout),
		jwks.WithCacheLogger(d.Logger),
		jwks.WithCacheMetrics(d.Metrics))
}

func (d *Dependencies) initAuth(cfg *config.Config) {
	d.Verifier = jwtverify.NewVerifier(cfg.Auth.Authority, d.KeySets, Policy(cfg.Auth),
		jwtverify.WithVerifierLogger(d.Logger))
	d.Gate = middleware.NewGate(d.Verifier, d.Logger, d.Metrics)
}

// Policy converts the auth configuration into a claim policy
func Policy(cfg config.AuthConfig) jwtverify.Policy {
	return jwtverify.Policy{
		Issuer:          cfg.Issuer,
		SubjectRequired: cfg.RequireSubject,
		ExpiryRequired:  cfg.RequireExpiry,
		Audience:        cfg.Audience,
		Leeway:          cfg.Leeway,
		CheckNotBefore:  cfg.CheckNotBefore,
	}
}

// Close gracefully shuts down all dependencies
func (d *Dependencies) Close(ctx context.Context) error {
	d.Logger.Info("shutting down dependencies")

	if d.HTTPClient != nil {
		d.HTTPClient.CloseIdleConnections()
	}

	// Sync logger
	_ = d.Logger.Sync()

	return nil
}
