package profiler

import (
	"net/http"
	"path/filepath"

	"github.com/exploopio/deprisk/pkg/aggregator"
	"github.com/exploopio/deprisk/pkg/cache"
	"github.com/exploopio/deprisk/pkg/config"
	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/enrichers/epss"
	"github.com/exploopio/deprisk/pkg/enrichers/kev"
	"github.com/exploopio/deprisk/pkg/health"
	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/retry"
	"github.com/exploopio/deprisk/pkg/scoring"
	"github.com/exploopio/deprisk/pkg/sources"
)

// Deps are the collaborators Bootstrap does not build from config.
type Deps struct {
	Logger  core.Logger
	Metrics metrics.Collector
	Clock   core.Clock

	// HTTPClient is shared by every source. Default has no global timeout;
	// the aggregator bounds each attempt.
	HTTPClient *http.Client
}

// Bootstrap wires a Profiler from a validated Config: the cache tiers, the
// enabled sources, KEV and EPSS enrichment, the aggregator and the scorer.
func Bootstrap(cfg *config.Config, deps Deps) (*Profiler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := core.OrNop(deps.Logger)
	collector := metrics.OrNop(deps.Metrics)
	clock := deps.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	store, err := cache.New(cache.Options{
		Disabled: cfg.Cache.Disabled,
		TTL:      cfg.Cache.TTL,
		Path:     cfg.Cache.Path,
		Shards:   cfg.Cache.Shards,
		Clock:    clock,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	srcs, err := sources.Build(cfg.Sources.Enabled, sources.Options{
		HTTPClient: client,
		Logger:     logger,
		BaseURLs:   cfg.Sources.BaseURLs,
		RateLimits: cfg.RateLimitsBySource(),
	})
	if err != nil {
		_ = cache.Close(store)
		return nil, err
	}

	var enrichers []aggregator.Enricher
	if cfg.KEV.Enabled {
		enrichers = append(enrichers, kev.NewEnricher(kev.Config{
			URL:        cfg.KEV.URL,
			CacheTTL:   cfg.KEV.TTL,
			HTTPClient: client,
			Clock:      clock,
			Logger:     logger,
		}))
	}
	if cfg.EPSS.Enabled {
		enrichers = append(enrichers, epss.NewEnricher(epss.Config{
			URL:        cfg.EPSS.URL,
			CacheTTL:   cfg.EPSS.TTL,
			HTTPClient: client,
			Clock:      clock,
			Logger:     logger,
		}))
	}

	policy := retry.DefaultPolicy()
	policy.MaxAttempts = cfg.Aggregator.MaxAttempts

	agg := aggregator.New(aggregator.Config{
		Sources:          srcs,
		Cache:            store,
		CacheTTL:         cfg.Cache.TTL,
		SourceTimeout:    cfg.Aggregator.SourceTimeout,
		EnricherTimeout:  cfg.Aggregator.EnricherTimeout,
		Retry:            policy,
		RecencyWindow:    cfg.Aggregator.RecencyWindow,
		DefaultEcosystem: cfg.Ecosystem(),
		Enrichers:        enrichers,
		Clock:            clock,
		Logger:           logger,
		Metrics:          collector,
	})

	weights := cfg.Scoring.Weights
	thresholds := cfg.Scoring.Thresholds
	scorer, err := scoring.New(scoring.Options{
		Weights:    &weights,
		Thresholds: &thresholds,
		Clock:      clock,
		Logger:     logger,
		Metrics:    collector,
	})
	if err != nil {
		_ = cache.Close(store)
		return nil, err
	}

	logger.Debug("bootstrapped profiler: sources=%v cache_disabled=%t kev=%t epss=%t workers=%d",
		cfg.Sources.Enabled, cfg.Cache.Disabled, cfg.KEV.Enabled, cfg.EPSS.Enabled, cfg.Workers)

	return New(Options{
		Aggregator: agg,
		Scorer:     scorer,
		APIKeys:    cfg.APIKeys(),
		Workers:    cfg.Workers,
		Logger:     logger,
		Metrics:    collector,
		Checks:     healthChecks(store, cfg, srcs, client),
		Cache:      store,
		Close:      func() error { return cache.Close(store) },
	})
}

// minFreeDiskPercent is the free space below which the cache volume is
// reported unhealthy.
const minFreeDiskPercent = 2

func healthChecks(store cache.Cache, cfg *config.Config, srcs []sources.Source, client *http.Client) []health.Checker {
	var checks []health.Checker
	if tiered, ok := store.(*cache.Tiered); ok {
		checks = append(checks,
			&health.CacheCheck{Store: tiered.Persistent()},
			&health.DiskCheck{Path: filepath.Dir(cfg.Cache.Path), MinFreePercent: minFreeDiskPercent},
		)
	}
	for _, src := range srcs {
		if b, ok := src.(interface{ BaseURL() string }); ok && b.BaseURL() != "" {
			checks = append(checks, &health.SourceCheck{Source: string(src.Name()), URL: b.BaseURL(), Client: client})
		}
	}
	return checks
}
