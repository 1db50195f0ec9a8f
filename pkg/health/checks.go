package health

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/exploopio/deprisk/pkg/cache"
)

// =============================================================================
// Built-in Health Checks
// =============================================================================

// CacheStats is implemented by the persistent cache tier.
type CacheStats interface {
	Stats(ctx context.Context) (*cache.Stats, error)
}

// CacheCheck queries the persistent cache. A failing query is unhealthy:
// every Put would fail too.
type CacheCheck struct {
	Store CacheStats
}

func (c *CacheCheck) Name() string { return "cache" }

func (c *CacheCheck) Check(ctx context.Context) CheckResult {
	if c.Store == nil {
		return CheckResult{Status: StatusUnknown, Message: "no persistent cache configured"}
	}
	st, err := c.Store.Stats(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{
		Status:  StatusHealthy,
		Message: fmt.Sprintf("%d entries, %d expired", st.Entries, st.Expired),
		Metadata: map[string]any{
			"entries":      st.Entries,
			"expired":      st.Expired,
			"stored_bytes": st.StoredBytes,
		},
	}
}

// SourceCheck verifies that an advisory source host answers. Any HTTP
// response below 500 counts as reachable; anything else degrades the
// service rather than failing it.
type SourceCheck struct {
	Source string
	URL    string
	Client *http.Client
}

func (c *SourceCheck) Name() string { return "source:" + c.Source }

func (c *SourceCheck) Check(ctx context.Context) CheckResult {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		return CheckResult{Status: StatusUnknown, Error: err.Error()}
	}
	resp, err := client.Do(req)
	if err != nil {
		return CheckResult{Status: StatusDegraded, Error: err.Error()}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	res := CheckResult{Metadata: map[string]any{"url": c.URL, "status_code": resp.StatusCode}}
	if resp.StatusCode >= http.StatusInternalServerError {
		res.Status = StatusDegraded
		res.Error = fmt.Sprintf("unexpected status: %d", resp.StatusCode)
		return res
	}
	res.Status = StatusHealthy
	res.Message = fmt.Sprintf("HTTP %d", resp.StatusCode)
	return res
}
