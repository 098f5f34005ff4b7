package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/upb/tokengate/autherr"
	"github.com/upb/tokengate/internal/observability"
)

const (
	// WellKnownPath is where providers publish their key set
	WellKnownPath = "/.well-known/jwks.json"

	// DefaultFetchTimeout bounds a single key-set fetch
	DefaultFetchTimeout = 10 * time.Second

	maxDocumentBytes = 1 << 20
)

// Fetcher retrieves the key set published under a provider base URL.
type Fetcher interface {
	Fetch(ctx context.Context, baseURL string) (*Document, error)
}

// JWKSURL joins the provider base URL and WellKnownPath with exactly one
// slash between them, whether or not baseURL ends with one.
func JWKSURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + WellKnownPath
}

// HTTPFetcher fetches key sets over HTTP. It performs no retries and no
// caching; wrap it in a Cache for that.
type HTTPFetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// FetcherOption configures an HTTPFetcher
type FetcherOption func(*HTTPFetcher)

// WithFetchTimeout bounds each fetch in addition to the client's own timeout.
func WithFetchTimeout(d time.Duration) FetcherOption {
	return func(f *HTTPFetcher) {
		f.timeout = d
	}
}

// WithUserAgent sets the User-Agent header sent to the provider.
func WithUserAgent(ua string) FetcherOption {
	return func(f *HTTPFetcher) {
		f.userAgent = ua
	}
}

// WithFetcherLogger sets the logger.
func WithFetcherLogger(logger *zap.Logger) FetcherOption {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// WithFetcherMetrics sets the metrics sink.
func WithFetcherMetrics(m *observability.Metrics) FetcherOption {
	return func(f *HTTPFetcher) {
		f.metrics = m
	}
}

// NewHTTPFetcher creates a fetcher using client, which is shared and never
// modified. A nil client gets a private one with DefaultFetchTimeout.
func NewHTTPFetcher(client *http.Client, opts ...FetcherOption) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: DefaultFetchTimeout}
	}
	f := &HTTPFetcher{
		client:  client,
		timeout: DefaultFetchTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch performs GET {baseURL}/.well-known/jwks.json. Transport failures and
// non-2xx statuses yield a NetworkError, a malformed body a ParseError.
func (f *HTTPFetcher) Fetch(ctx context.Context, baseURL string) (*Document, error) {
	url := JWKSURL(baseURL)

	start := time.Now()
	doc, err := f.fetch(ctx, url)
	elapsed := time.Since(start)
	f.metrics.RecordFetch(err, elapsed)

	if err != nil {
		f.logger.Warn("key set fetch failed",
			zap.String("url", url),
			zap.String("error_kind", string(autherr.KindOf(err))),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
		return nil, err
	}

	f.logger.Debug("key set fetched",
		zap.String("url", url),
		zap.Int("keys", len(doc.Keys)),
		zap.Duration("elapsed", elapsed))
	return doc, nil
}

func (f *HTTPFetcher) fetch(ctx context.Context, url string) (*Document, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return nil, autherr.Network("failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, autherr.Network("request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
		return nil, autherr.Network(fmt.Sprintf("unexpected status code %d", resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, autherr.Network("failed to read response body", err)
	}
	if len(body) > maxDocumentBytes {
		return nil, autherr.Parse("key set document exceeds 1 MiB", nil)
	}

	return ParseDocument(body)
}
