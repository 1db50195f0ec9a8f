// Package epss attaches EPSS (Exploit Prediction Scoring System) estimates to
// vulnerabilities that carry a CVE id.
// Data source: https://www.first.org/epss
package epss

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
)

const (
	// DefaultEPSSURL is the official EPSS API endpoint.
	DefaultEPSSURL = "https://api.first.org/data/v1/epss"

	// DefaultCacheTTL is how long a score is trusted (EPSS updates daily).
	DefaultCacheTTL = 24 * time.Hour

	// DefaultTimeout is the default HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// maxBatch is the number of CVE ids sent per API request.
	maxBatch = 100
)

// Score is the EPSS estimate for one CVE.
type Score struct {
	CVE        string
	EPSS       float64 // probability, 0-1
	Percentile float64 // 0-100
	Date       time.Time

	fetchedAt time.Time
}

// Config configures the Enricher.
type Config struct {
	URL        string
	CacheTTL   time.Duration
	HTTPClient *http.Client
	Clock      core.Clock
	Logger     core.Logger
}

// Enricher sets EPSS and EPSSPercentile from the FIRST API.
type Enricher struct {
	url      string
	cacheTTL time.Duration
	client   *http.Client
	clock    core.Clock
	logger   core.Logger

	mu     sync.RWMutex
	scores map[string]*Score
	// missing remembers CVEs the API has no score for.
	missing map[string]time.Time
}

// NewEnricher creates an EPSS enricher.
func NewEnricher(cfg Config) *Enricher {
	e := &Enricher{
		url:      cfg.URL,
		cacheTTL: cfg.CacheTTL,
		client:   cfg.HTTPClient,
		clock:    cfg.Clock,
		logger:   core.OrNop(cfg.Logger),
		scores:   make(map[string]*Score),
		missing:  make(map[string]time.Time),
	}
	if e.url == "" {
		e.url = DefaultEPSSURL
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = DefaultCacheTTL
	}
	if e.client == nil {
		e.client = &http.Client{Timeout: DefaultTimeout}
	}
	if e.clock == nil {
		e.clock = core.SystemClock{}
	}
	return e
}

// Name returns the enricher name.
func (e *Enricher) Name() string {
	return "epss"
}

// Enrich fetches the scores it does not hold yet in batches, then sets the
// highest score among each vulnerability's CVE ids. Scores fetched before a
// failed batch are still applied.
func (e *Enricher) Enrich(ctx context.Context, vulns []model.Vulnerability) error {
	var fetchErr error
	if stale := e.stale(vulns); len(stale) > 0 {
		for start := 0; start < len(stale); start += maxBatch {
			end := min(start+maxBatch, len(stale))
			if err := e.fetch(ctx, stale[start:end]); err != nil {
				fetchErr = err
				break
			}
		}
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range vulns {
		var best *Score
		for _, cve := range vulns[i].CVEs() {
			if s, ok := e.scores[cve]; ok && (best == nil || s.EPSS > best.EPSS) {
				best = s
			}
		}
		if best != nil {
			vulns[i].EPSS = model.Ptr(best.EPSS)
			vulns[i].EPSSPercentile = model.Ptr(best.Percentile)
		}
	}
	return fetchErr
}

// Lookup returns the cached score for a CVE id, or nil.
func (e *Enricher) Lookup(cveID string) *Score {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scores[strings.ToUpper(cveID)]
}

// Size returns the number of cached scores.
func (e *Enricher) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.scores)
}

// stale returns the distinct CVE ids without a fresh score or miss record.
func (e *Enricher) stale(vulns []model.Vulnerability) []string {
	now := e.clock.Now()
	seen := make(map[string]bool)
	var out []string

	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, v := range vulns {
		for _, cve := range v.CVEs() {
			if seen[cve] {
				continue
			}
			seen[cve] = true
			if s, ok := e.scores[cve]; ok && now.Sub(s.fetchedAt) < e.cacheTTL {
				continue
			}
			if at, ok := e.missing[cve]; ok && now.Sub(at) < e.cacheTTL {
				continue
			}
			out = append(out, cve)
		}
	}
	return out
}

type response struct {
	Status string `json:"status"`
	Total  int    `json:"total"`
	Data   []struct {
		CVE        string `json:"cve"`
		EPSS       string `json:"epss"`
		Percentile string `json:"percentile"`
		Date       string `json:"date"`
	} `json:"data"`
}

func (e *Enricher) fetch(ctx context.Context, cves []string) error {
	const op = "epss.fetch"

	u := e.url + "?cve=" + url.QueryEscape(strings.Join(cves, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.E(errors.KindInternal, op, "build request", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Transient(op, "query EPSS", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.FromStatus(op, "epss", resp.StatusCode, string(body))
	}

	var result response
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return errors.E(errors.KindMalformedResponse, op, "decode response", err)
	}

	now := e.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	got := make(map[string]bool, len(result.Data))
	for _, item := range result.Data {
		score, err := strconv.ParseFloat(item.EPSS, 64)
		if err != nil || score < 0 || score > 1 {
			continue
		}
		percentile, _ := strconv.ParseFloat(item.Percentile, 64)
		date, _ := time.Parse(time.DateOnly, item.Date)
		cve := strings.ToUpper(item.CVE)
		e.scores[cve] = &Score{
			CVE:        cve,
			EPSS:       score,
			Percentile: percentile * 100,
			Date:       date,
			fetchedAt:  now,
		}
		got[cve] = true
	}
	for _, cve := range cves {
		if !got[cve] {
			e.missing[cve] = now
		}
	}

	e.logger.Debug("epss: fetched %d of %d scores", len(got), len(cves))
	return nil
}
