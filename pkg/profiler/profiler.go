// Package profiler assembles a project risk profile: it aggregates
// vulnerabilities for every dependency of a manifest with a bounded worker
// pool, then scores the updated dependencies.
package profiler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/exploopio/deprisk/pkg/aggregator"
	"github.com/exploopio/deprisk/pkg/cache"
	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/health"
	"github.com/exploopio/deprisk/pkg/metrics"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/scoring"
)

// DefaultWorkers bounds concurrent aggregations when Options.Workers is unset.
const DefaultWorkers = 8

// Aggregator looks up vulnerabilities for one dependency.
type Aggregator interface {
	Aggregate(ctx context.Context, dep model.DependencyMetadata, apiKeys map[model.SourceName]string) (*aggregator.Result, error)
}

// Options configures a Profiler.
type Options struct {
	Aggregator Aggregator
	Scorer     *scoring.Scorer

	// APIKeys are passed to every aggregation.
	APIKeys map[model.SourceName]string

	Workers int

	Logger  core.Logger
	Metrics metrics.Collector

	// Checks cover the collaborators Bootstrap built, for readiness endpoints.
	Checks []health.Checker

	// Cache is the response cache the aggregator writes to, for PurgeCache.
	Cache cache.Cache

	// Close releases resources owned by the profiler, such as the cache.
	Close func() error
}

// Profiler runs aggregation and scoring over a manifest's dependencies.
type Profiler struct {
	agg     Aggregator
	scorer  *scoring.Scorer
	apiKeys map[model.SourceName]string
	workers int
	logger  core.Logger
	metrics metrics.Collector
	checks  []health.Checker
	cache   cache.Cache
	closeFn func() error
}

// New creates a Profiler. Aggregator and Scorer are required.
func New(opts Options) (*Profiler, error) {
	if opts.Aggregator == nil || opts.Scorer == nil {
		return nil, errors.E(errors.KindConfiguration, "profiler.New", "aggregator and scorer are required")
	}
	p := &Profiler{
		agg:     opts.Aggregator,
		scorer:  opts.Scorer,
		apiKeys: opts.APIKeys,
		workers: opts.Workers,
		logger:  core.OrNop(opts.Logger),
		metrics: metrics.OrNop(opts.Metrics),
		checks:  opts.Checks,
		cache:   opts.Cache,
		closeFn: opts.Close,
	}
	if p.workers <= 0 {
		p.workers = DefaultWorkers
	}
	return p, nil
}

// HealthChecks returns checks for the cache and the enabled sources.
func (p *Profiler) HealthChecks() []health.Checker {
	return p.checks
}

// PurgeCache drops expired entries from every cache tier and returns the
// total removed.
func (p *Profiler) PurgeCache(ctx context.Context) (int64, error) {
	if p.cache == nil {
		return 0, nil
	}
	counts, err := cache.PurgeExpired(ctx, p.cache)
	var total int64
	for tier, n := range counts {
		total += n
		p.metrics.CounterAdd(metrics.CacheEntriesPurged.Name, float64(n), "tier", tier)
	}
	return total, err
}

// Close releases the profiler's resources.
func (p *Profiler) Close() error {
	if p.closeFn == nil {
		return nil
	}
	return p.closeFn()
}

// Run builds the profile of one manifest. Dependencies keep their input
// order. A dependency whose aggregation fails is scored from its input
// metadata; a dependency that cannot be scored gets a fallback score.
//
// When ctx is done before every dependency was aggregated, Run still returns
// the profile: aggregated dependencies carry their advisory data, the rest
// are scored from their input metadata, the profile is marked Incomplete and
// a KindTimeout error is returned alongside it.
func (p *Profiler) Run(ctx context.Context, manifestPath string, ecosystem model.Ecosystem, deps []model.DependencyMetadata) (*model.ProjectRiskProfile, error) {
	const op = "profiler.Run"
	start := time.Now()

	updated := make([]model.DependencyMetadata, len(deps))
	vulns := make([][]model.Vulnerability, len(deps))
	results := make([]*aggregator.Result, len(deps))

	var aggregated atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, dep := range deps {
		if dep.Ecosystem == "" {
			if _, inferred := model.InferEcosystem(dep.RepositoryURL); !inferred {
				dep.Ecosystem = ecosystem
			}
		}
		updated[i] = dep
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := p.agg.Aggregate(gctx, dep, p.apiKeys)
			// Work cut short by cancellation is not kept.
			if gctx.Err() != nil {
				return gctx.Err()
			}
			aggregated.Add(1)
			if err != nil {
				p.logger.Warn("aggregation failed for %q: %v", dep.Name, err)
				return nil
			}
			updated[i] = res.Dependency
			vulns[i] = res.Vulnerabilities
			results[i] = res
			return nil
		})
	}
	runErr := g.Wait()
	if runErr == nil {
		runErr = ctx.Err()
	}

	profile := p.scorer.BuildProfile(manifestPath, ecosystem, updated)
	for i := range profile.Dependencies {
		profile.Dependencies[i].Vulnerabilities = vulns[i]
	}
	profile.Notes = sourceNotes(deps, results)

	elapsed := time.Since(start)
	if runErr != nil {
		done := int(aggregated.Load())
		profile.Incomplete = true
		profile.Notes = append(profile.Notes, fmt.Sprintf(
			"profile interrupted: %d of %d dependencies aggregated, the rest scored from input metadata only", done, len(deps)))
		p.logger.Warn("profile of %s interrupted after %s: %d of %d dependencies aggregated",
			manifestPath, elapsed.Round(time.Millisecond), done, len(deps))
		return profile, errors.E(errors.KindTimeout, op, "profile run interrupted", runErr)
	}

	p.metrics.HistogramObserve(metrics.ProfileDuration.Name, elapsed.Seconds(), "ecosystem", string(ecosystem))
	p.logger.Info("profiled %d dependencies of %s in %s (highest risk %s)",
		profile.Summary.Total, manifestPath, elapsed.Round(time.Millisecond), profile.Summary.HighestRisk)
	return profile, nil
}

// sourceNotes reports each failed source once, with the dependencies it
// failed for.
func sourceNotes(deps []model.DependencyMetadata, results []*aggregator.Result) []string {
	failed := make(map[model.SourceName][]string)
	for i, res := range results {
		if res == nil {
			continue
		}
		for _, o := range res.Failed() {
			failed[o.Source] = append(failed[o.Source], deps[i].Name)
		}
	}

	notes := make([]string, 0, len(failed))
	for src, names := range failed {
		sort.Strings(names)
		noun := "dependencies"
		if len(names) == 1 {
			noun = "dependency"
		}
		notes = append(notes, fmt.Sprintf("source %s unavailable for %d %s (%s)", src, len(names), noun, strings.Join(names, ", ")))
	}
	sort.Strings(notes)
	if len(notes) == 0 {
		return nil
	}
	return notes
}
