package sources

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
)

const (
	// DefaultHTTPTimeout bounds a single request when the caller sets no deadline.
	DefaultHTTPTimeout = 30 * time.Second

	// maxResponseBytes caps a single advisory response.
	maxResponseBytes = 32 << 20

	userAgent = "deprisk (+https://github.com/exploopio/deprisk)"
)

// BaseConfig holds the settings every HTTP source shares.
type BaseConfig struct {
	Name    model.SourceName
	BaseURL string

	// HTTPClient overrides the default client.
	HTTPClient *http.Client

	// RateLimit is the number of requests per minute. Zero disables limiting.
	RateLimit int

	// Burst is the limiter burst size. Default is 1.
	Burst int

	Logger core.Logger
}

// BaseSource provides rate limiting, HTTP execution and error
// classification for advisory sources.
type BaseSource struct {
	name        model.SourceName
	baseURL     string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	logger      core.Logger
}

// NewBaseSource creates a BaseSource.
func NewBaseSource(cfg BaseConfig) *BaseSource {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: DefaultHTTPTimeout}
	}

	b := &BaseSource{
		name:       cfg.Name,
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: client,
		logger:     core.OrNop(cfg.Logger),
	}

	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		rps := float64(cfg.RateLimit) / 60.0
		b.rateLimiter = rate.NewLimiter(rate.Limit(rps), burst)
	}

	return b
}

// Name returns the source tag.
func (b *BaseSource) Name() model.SourceName {
	return b.name
}

// BaseURL returns the API base URL without a trailing slash.
func (b *BaseSource) BaseURL() string {
	return b.baseURL
}

// HTTPClient returns the configured HTTP client.
func (b *BaseSource) HTTPClient() *http.Client {
	return b.httpClient
}

// Logger returns the source logger.
func (b *BaseSource) Logger() core.Logger {
	return b.logger
}

type admissionKey struct{}

// Admitted returns a context carrying one limiter admission already granted
// by WaitForRateLimit. The next WaitForRateLimit on that context returns
// immediately; later ones wait as usual.
func Admitted(ctx context.Context) context.Context {
	token := new(atomic.Bool)
	token.Store(true)
	return context.WithValue(ctx, admissionKey{}, token)
}

func takeAdmission(ctx context.Context) bool {
	token, ok := ctx.Value(admissionKey{}).(*atomic.Bool)
	return ok && token.CompareAndSwap(true, false)
}

// WaitForRateLimit blocks until the limiter admits a request. A refusal
// (cancelled context, or a deadline the wait cannot meet) is not retryable.
func (b *BaseSource) WaitForRateLimit(ctx context.Context) error {
	if b.rateLimiter == nil || takeAdmission(ctx) {
		return nil
	}
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return errors.E(errors.KindSourceUnavailable, b.op("WaitForRateLimit"), "rate limiter wait aborted", err)
	}
	return nil
}

// Do executes req after the rate limiter admits it and returns the body of a
// 2xx response. Failures are classified into the errors taxonomy.
func (b *BaseSource) Do(ctx context.Context, req *http.Request) ([]byte, error) {
	op := b.op("Do")
	if err := b.WaitForRateLimit(ctx); err != nil {
		return nil, err
	}

	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", userAgent)
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "application/json")
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, ClassifyTransportError(op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, ClassifyTransportError(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.FromStatus(op, string(b.name), resp.StatusCode, truncate(string(body), 256))
	}
	return body, nil
}

func (b *BaseSource) op(method string) string {
	return "sources." + string(b.name) + "." + method
}

// ClassifyTransportError maps a client-side failure to a typed error.
// Deadlines become KindTimeout; other network failures are transient.
func ClassifyTransportError(op string, err error) error {
	if stderrors.Is(err, context.DeadlineExceeded) {
		return errors.E(errors.KindTimeout, op, "request timed out", err)
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) && netErr.Timeout() {
		return errors.E(errors.KindTimeout, op, "request timed out", err)
	}
	if stderrors.Is(err, context.Canceled) {
		return errors.E(errors.KindSourceUnavailable, op, "request cancelled", err)
	}
	return errors.Transient(op, "request failed", err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
