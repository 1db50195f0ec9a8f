// Package aggregator fans a dependency out to every configured advisory
// source, merges what comes back into one deduplicated vulnerability set and
// derives the dependency's security metrics from it.
package aggregator

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/deprisk/pkg/cache"
	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/retry"
	"github.com/exploopio/deprisk/pkg/sources"
)

const (
	// DefaultSourceTimeout bounds one fetch attempt.
	DefaultSourceTimeout = 10 * time.Second

	// DefaultRecencyWindow is how far back a published fix counts as recent.
	DefaultRecencyWindow = 90 * 24 * time.Hour
)

// Enricher adjusts the merged set in place. Errors are logged and ignored.
type Enricher interface {
	Name() string
	Enrich(ctx context.Context, vulns []model.Vulnerability) error
}

// Config configures an Aggregator.
type Config struct {
	Sources []sources.Source

	// Cache defaults to cache.Nop.
	Cache    cache.Cache
	CacheTTL time.Duration

	// SourceTimeout applies to each attempt separately.
	SourceTimeout time.Duration

	// EnricherTimeout bounds each enricher. Defaults to SourceTimeout.
	EnricherTimeout time.Duration

	// Retry defaults to retry.DefaultPolicy.
	Retry *retry.Policy

	RecencyWindow time.Duration

	// DefaultEcosystem is used when a dependency's ecosystem can be neither
	// read nor inferred.
	DefaultEcosystem model.Ecosystem

	Enrichers []Enricher

	Clock   core.Clock
	Logger  core.Logger
	Metrics metrics.Collector
}

// Aggregator is safe for concurrent use; the cache is the only state it
// shares between calls.
type Aggregator struct {
	sources       []sources.Source
	cache         cache.Cache
	cacheTTL      time.Duration
	sourceTimeout time.Duration
	enrichTimeout time.Duration
	retry         retry.Policy
	recency       time.Duration
	defaultEco    model.Ecosystem
	enrichers     []Enricher
	clock         core.Clock
	logger        core.Logger
	metrics       metrics.Collector
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	a := &Aggregator{
		sources:       cfg.Sources,
		cache:         cfg.Cache,
		cacheTTL:      cfg.CacheTTL,
		sourceTimeout: cfg.SourceTimeout,
		enrichTimeout: cfg.EnricherTimeout,
		recency:       cfg.RecencyWindow,
		defaultEco:    cfg.DefaultEcosystem,
		enrichers:     cfg.Enrichers,
		clock:         cfg.Clock,
		logger:        core.OrNop(cfg.Logger),
		metrics:       metrics.OrNop(cfg.Metrics),
	}
	if a.cache == nil {
		a.cache = cache.Nop{}
	}
	if a.cacheTTL <= 0 {
		a.cacheTTL = cache.DefaultTTL
	}
	if a.sourceTimeout <= 0 {
		a.sourceTimeout = DefaultSourceTimeout
	}
	if a.enrichTimeout <= 0 {
		a.enrichTimeout = a.sourceTimeout
	}
	if a.recency <= 0 {
		a.recency = DefaultRecencyWindow
	}
	if a.clock == nil {
		a.clock = core.SystemClock{}
	}
	if cfg.Retry != nil {
		a.retry = *cfg.Retry
	} else {
		a.retry = *retry.DefaultPolicy()
	}
	return a
}

// Status is the outcome of one source for one dependency.
type Status string

const (
	StatusFetched     Status = "fetched"
	StatusCached      Status = "cached"
	StatusFailed      Status = "failed"
	StatusUnsupported Status = "unsupported"
)

// SourceOutcome records what one source contributed.
type SourceOutcome struct {
	Source   model.SourceName
	Status   Status
	Count    int
	Attempts int
	Err      error
}

// Result is the output of Aggregate.
type Result struct {
	// Dependency is a copy of the input with SecurityMetrics recomputed.
	Dependency model.DependencyMetadata

	// Vulnerabilities is the merged set, most severe first.
	Vulnerabilities []model.Vulnerability

	// Outcomes holds one entry per configured source, in configuration order.
	Outcomes []SourceOutcome
}

// Failed returns the sources that contributed nothing because of an error.
func (r *Result) Failed() []SourceOutcome {
	var out []SourceOutcome
	for _, o := range r.Outcomes {
		if o.Status == StatusFailed {
			out = append(out, o)
		}
	}
	return out
}

// Aggregate queries every source concurrently and merges the results.
// Source failures never fail the call: a failed source contributes nothing
// and is reported in Result.Outcomes. apiKeys maps a source to its
// credential; missing keys mean anonymous access.
//
// The input dependency is not modified.
func (a *Aggregator) Aggregate(ctx context.Context, dep model.DependencyMetadata, apiKeys map[model.SourceName]string) (*Result, error) {
	const op = "aggregator.Aggregate"
	if dep.Name == "" {
		return nil, errors.E(errors.KindInvalidInput, op, "dependency name is required")
	}

	eco := dep.ResolveEcosystem(a.defaultEco)
	outcomes := make([]SourceOutcome, len(a.sources))
	found := make([][]model.Vulnerability, len(a.sources))

	var g errgroup.Group
	for i, src := range a.sources {
		q := sources.Query{
			Package:   dep.Name,
			Ecosystem: eco,
			Version:   dep.InstalledVersion,
			APIKey:    apiKeys[src.Name()],
		}
		g.Go(func() error {
			found[i], outcomes[i] = a.collect(ctx, src, q)
			return nil
		})
	}
	_ = g.Wait()

	var all []model.Vulnerability
	for _, vulns := range found {
		all = append(all, vulns...)
	}
	merged := Merge(all)

	for _, e := range a.enrichers {
		if err := a.enrich(ctx, e, merged); err != nil {
			a.logger.Warn("enricher %s failed for %s: %v", e.Name(), dep.Name, err)
		}
	}

	updated := dep.Clone()
	if updated.Ecosystem == "" {
		updated.Ecosystem = eco
	}
	updated.SecurityMetrics = ComputeMetrics(updated.InstalledVersion, merged, a.clock.Now(), a.recency)
	if HasExploitedSevere(merged) {
		updated.HasKnownExploits = true
	}

	return &Result{
		Dependency:      updated,
		Vulnerabilities: merged,
		Outcomes:        outcomes,
	}, nil
}

// enrich runs e on a copy of vulns under the enricher timeout and copies the
// result back once it returns, error or not. An enricher still running at
// the deadline is abandoned along with its copy.
func (a *Aggregator) enrich(ctx context.Context, e Enricher, vulns []model.Vulnerability) error {
	ectx, cancel := context.WithTimeout(ctx, a.enrichTimeout)
	defer cancel()

	work := make([]model.Vulnerability, len(vulns))
	copy(work, vulns)
	done := make(chan error, 1)
	go func() { done <- e.Enrich(ectx, work) }()

	select {
	case err := <-done:
		copy(vulns, work)
		return err
	case <-ectx.Done():
		return errors.E(errors.KindTimeout, "aggregator.enrich", "enricher "+e.Name()+" did not finish", ectx.Err())
	}
}

// collect returns one source's normalized records, from the cache when a
// live entry exists.
func (a *Aggregator) collect(ctx context.Context, src sources.Source, q sources.Query) ([]model.Vulnerability, SourceOutcome) {
	name := src.Name()
	outcome := SourceOutcome{Source: name}
	if !src.Supports(q.Ecosystem) {
		outcome.Status = StatusUnsupported
		return nil, outcome
	}

	key := cacheKey(src, q)
	if payload, ok := a.cache.Get(ctx, key); ok {
		vulns, err := src.Normalize(q, payload)
		if err == nil {
			a.metrics.CounterInc(metrics.CacheHits.Name, "source", string(name))
			a.metrics.CounterInc(metrics.SourceFetchesTotal.Name, "source", string(name), "status", "cache_hit")
			outcome.Status = StatusCached
			outcome.Count = len(vulns)
			return vulns, outcome
		}
		a.logger.Warn("discarding unreadable cache entry %s: %v", key, err)
	}
	a.metrics.CounterInc(metrics.CacheMisses.Name, "source", string(name))

	a.metrics.GaugeInc(metrics.SourceFetchesInFlight.Name, "source", string(name))
	timer := metrics.NewTimer(a.metrics, metrics.SourceFetchDuration.Name, "source", string(name))
	payload, attempts, err := a.fetch(ctx, src, q)
	timer.ObserveDuration()
	a.metrics.GaugeDec(metrics.SourceFetchesInFlight.Name, "source", string(name))
	outcome.Attempts = attempts

	var vulns []model.Vulnerability
	if err == nil {
		vulns, err = src.Normalize(q, payload)
	}
	if err != nil {
		a.metrics.CounterInc(metrics.SourceFetchesTotal.Name, "source", string(name), "status", "error")
		a.logger.Warn("source %s unavailable for %s: [%s] %v", name, q.Package, errors.GetKind(err), err)
		outcome.Status = StatusFailed
		outcome.Err = err
		return nil, outcome
	}

	// Only a complete, decodable payload is cached, and only while the
	// caller is still interested in it.
	if ctx.Err() == nil {
		if perr := a.cache.Put(ctx, key, payload, a.cacheTTL); perr != nil {
			a.logger.Warn("cache write for %s failed: %v", key, perr)
		}
	}

	a.metrics.CounterInc(metrics.SourceFetchesTotal.Name, "source", string(name), "status", "success")
	a.metrics.CounterAdd(metrics.VulnerabilitiesTotal.Name, float64(len(vulns)), "source", string(name))
	outcome.Status = StatusFetched
	outcome.Count = len(vulns)
	return vulns, outcome
}

// fetch retries transient failures with backoff. Each attempt gets its own
// timeout.
func (a *Aggregator) fetch(ctx context.Context, src sources.Source, q sources.Query) ([]byte, int, error) {
	name := src.Name()
	policy := a.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		a.metrics.CounterInc(metrics.SourceRetriesTotal.Name, "source", string(name))
		a.logger.Debug("source %s attempt %d for %s failed, retrying in %s: %v", name, attempt, q.Package, delay, err)
	}

	var payload []byte
	attempts := 0
	err := retry.Do(ctx, &policy, func(ctx context.Context, attempt int) error {
		attempts = attempt
		// Queueing behind the limiter does not count against the attempt.
		if limited, ok := src.(sources.Limited); ok {
			if err := limited.WaitForRateLimit(ctx); err != nil {
				return err
			}
		}
		actx, cancel := context.WithTimeout(ctx, a.sourceTimeout)
		defer cancel()
		actx = sources.Admitted(actx)

		p, err := src.Fetch(actx, q)
		if err != nil {
			if actx.Err() == context.DeadlineExceeded && !errors.IsTimeout(err) {
				return errors.E(errors.KindTimeout, "aggregator.fetch", "source "+string(name)+" timed out", err)
			}
			return err
		}
		payload = p
		return nil
	})
	if err != nil {
		return nil, attempts, err
	}
	return payload, attempts, nil
}

func cacheKey(src sources.Source, q sources.Query) cache.Key {
	pkg := q.Package
	if scoper, ok := src.(sources.PackageScoper); ok {
		pkg = scoper.CachePackage(q)
	}
	return cache.Key{Source: src.Name(), Package: pkg, Ecosystem: q.Ecosystem}
}

// Notes summarizes failed sources as human-readable lines, sorted.
func (r *Result) Notes() []string {
	var notes []string
	for _, o := range r.Failed() {
		notes = append(notes, "source "+string(o.Source)+" unavailable: "+o.Err.Error())
	}
	sort.Strings(notes)
	return notes
}
