// Package kev flags vulnerabilities listed in the CISA Known Exploited
// Vulnerabilities catalog.
// Data source: https://www.cisa.gov/known-exploited-vulnerabilities-catalog
package kev

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
)

const (
	// DefaultKEVURL is the official CISA KEV catalog endpoint.
	DefaultKEVURL = "https://www.cisa.gov/sites/default/files/feeds/known_exploited_vulnerabilities.json"

	// DefaultCacheTTL is how long a loaded catalog is trusted.
	DefaultCacheTTL = 6 * time.Hour

	// DefaultTimeout bounds one catalog download.
	DefaultTimeout = 60 * time.Second
)

// Entry is one catalog record.
type Entry struct {
	CVEID             string `json:"cveID"`
	VendorProject     string `json:"vendorProject"`
	Product           string `json:"product"`
	VulnerabilityName string `json:"vulnerabilityName"`
	DateAdded         string `json:"dateAdded"`
	KnownRansomware   string `json:"knownRansomwareCampaignUse"`
}

// Catalog is the CISA KEV feed document.
type Catalog struct {
	Title           string  `json:"title"`
	CatalogVersion  string  `json:"catalogVersion"`
	DateReleased    string  `json:"dateReleased"`
	Count           int     `json:"count"`
	Vulnerabilities []Entry `json:"vulnerabilities"`
}

// Config configures the Enricher.
type Config struct {
	URL        string
	CacheTTL   time.Duration
	HTTPClient *http.Client

	// Timeout bounds a shared catalog download independently of the
	// callers waiting on it.
	Timeout time.Duration

	Clock  core.Clock
	Logger core.Logger
}

// Enricher marks vulnerabilities whose CVE id or alias is in the catalog.
type Enricher struct {
	url      string
	cacheTTL time.Duration
	timeout  time.Duration
	client   *http.Client
	clock    core.Clock
	logger   core.Logger

	group singleflight.Group

	mu       sync.RWMutex
	entries  map[string]*Entry
	version  string
	loadedAt time.Time
}

// NewEnricher creates a KEV enricher.
func NewEnricher(cfg Config) *Enricher {
	e := &Enricher{
		url:      cfg.URL,
		cacheTTL: cfg.CacheTTL,
		timeout:  cfg.Timeout,
		client:   cfg.HTTPClient,
		clock:    cfg.Clock,
		logger:   core.OrNop(cfg.Logger),
		entries:  make(map[string]*Entry),
	}
	if e.url == "" {
		e.url = DefaultKEVURL
	}
	if e.cacheTTL <= 0 {
		e.cacheTTL = DefaultCacheTTL
	}
	if e.timeout <= 0 {
		e.timeout = DefaultTimeout
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
	return "kev"
}

// Enrich sets KnownExploited on every vulnerability the catalog lists. A
// catalog that cannot be loaded leaves vulns unchanged and returns the error.
func (e *Enricher) Enrich(ctx context.Context, vulns []model.Vulnerability) error {
	if !hasCVE(vulns) {
		return nil
	}
	if err := e.ensureLoaded(ctx); err != nil {
		return err
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for i := range vulns {
		for _, cve := range vulns[i].CVEs() {
			if _, ok := e.entries[cve]; ok {
				vulns[i].KnownExploited = true
				break
			}
		}
	}
	return nil
}

// Lookup returns the catalog entry for a CVE id, loading the catalog if needed.
func (e *Enricher) Lookup(ctx context.Context, cveID string) (*Entry, error) {
	if err := e.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.entries[strings.ToUpper(cveID)], nil
}

// Size returns the number of loaded entries.
func (e *Enricher) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.entries)
}

// Version returns the catalog version last loaded, or "".
func (e *Enricher) Version() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.version
}

func hasCVE(vulns []model.Vulnerability) bool {
	for _, v := range vulns {
		if len(v.CVEs()) > 0 {
			return true
		}
	}
	return false
}

func (e *Enricher) ensureLoaded(ctx context.Context) error {
	e.mu.RLock()
	fresh := len(e.entries) > 0 && e.clock.Now().Sub(e.loadedAt) < e.cacheTTL
	e.mu.RUnlock()
	if fresh {
		return nil
	}

	// Concurrent aggregations share one download. It runs detached from
	// whichever caller started it, so one caller giving up does not fail
	// the others; each caller still stops waiting at its own deadline.
	ch := e.group.DoChan("catalog", func() (interface{}, error) {
		lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
		defer cancel()
		return nil, e.load(lctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return errors.E(errors.KindTimeout, "kev.ensureLoaded", "waiting for catalog", ctx.Err())
	}
}

func (e *Enricher) load(ctx context.Context) error {
	const op = "kev.load"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.url, nil)
	if err != nil {
		return errors.E(errors.KindInternal, op, "build request", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Transient(op, "fetch catalog", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.FromStatus(op, "kev", resp.StatusCode, string(body))
	}

	var catalog Catalog
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return errors.E(errors.KindMalformedResponse, op, "decode catalog", err)
	}

	entries := make(map[string]*Entry, len(catalog.Vulnerabilities))
	for i := range catalog.Vulnerabilities {
		entry := &catalog.Vulnerabilities[i]
		if entry.CVEID == "" {
			continue
		}
		entries[strings.ToUpper(entry.CVEID)] = entry
	}

	e.mu.Lock()
	e.entries = entries
	e.version = catalog.CatalogVersion
	e.loadedAt = e.clock.Now()
	e.mu.Unlock()

	e.logger.Debug("kev: loaded %d entries (catalog version %s)", len(entries), catalog.CatalogVersion)
	return nil
}
