// Package config loads deprisk settings from defaults, an optional YAML file
// and DRP_-prefixed environment variables.
package config

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/exploopio/deprisk/pkg/cache"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/scoring"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DRP"

const (
	DefaultWorkers       = 8
	DefaultSourceTimeout = 10 * time.Second
	DefaultEnrichTimeout = 30 * time.Second
	DefaultMaxAttempts   = 3
	DefaultRecencyWindow = 90 * 24 * time.Hour
	DefaultMetricsAddr   = ":9090"
)

// Config is the effective deprisk configuration.
type Config struct {
	GitHubToken string `mapstructure:"github_token" yaml:"github_token"`
	NVDAPIKey   string `mapstructure:"nvd_api_key" yaml:"nvd_api_key"`

	// Workers bounds how many dependencies are aggregated concurrently.
	Workers  int    `mapstructure:"workers" yaml:"workers"`
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`

	// DefaultEcosystem is used when a dependency carries none and none can
	// be inferred.
	DefaultEcosystem string `mapstructure:"default_ecosystem" yaml:"default_ecosystem"`

	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Sources    SourcesConfig    `mapstructure:"sources" yaml:"sources"`
	Aggregator AggregatorConfig `mapstructure:"aggregator" yaml:"aggregator"`
	KEV        KEVConfig        `mapstructure:"kev" yaml:"kev"`
	EPSS       EPSSConfig       `mapstructure:"epss" yaml:"epss"`
	Scoring    ScoringConfig    `mapstructure:"scoring" yaml:"scoring"`
	Metrics    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	Disabled bool          `mapstructure:"disabled" yaml:"disabled"`
	TTL      time.Duration `mapstructure:"ttl" yaml:"ttl"`
	// Path of the SQLite tier. Empty keeps the cache in memory only.
	Path   string `mapstructure:"path" yaml:"path"`
	Shards int    `mapstructure:"shards" yaml:"shards"`
}

// SourcesConfig selects and tunes advisory sources.
type SourcesConfig struct {
	Enabled    []string          `mapstructure:"enabled" yaml:"enabled"`
	BaseURLs   map[string]string `mapstructure:"base_urls" yaml:"base_urls,omitempty"`
	RateLimits map[string]int    `mapstructure:"rate_limits" yaml:"rate_limits,omitempty"`
}

// AggregatorConfig bounds per-source work.
type AggregatorConfig struct {
	SourceTimeout time.Duration `mapstructure:"source_timeout" yaml:"source_timeout"`
	// EnricherTimeout bounds each enricher (KEV, EPSS) per dependency.
	EnricherTimeout time.Duration `mapstructure:"enricher_timeout" yaml:"enricher_timeout"`
	MaxAttempts     int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	RecencyWindow   time.Duration `mapstructure:"recency_window" yaml:"recency_window"`
}

// KEVConfig configures the known-exploited catalog enrichment.
type KEVConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// EPSSConfig configures exploit-probability enrichment. It is off by
// default because it queries FIRST once per batch of new CVE ids.
type EPSSConfig struct {
	Enabled bool          `mapstructure:"enabled" yaml:"enabled"`
	URL     string        `mapstructure:"url" yaml:"url"`
	TTL     time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// ScoringConfig holds the scorer's weights and level thresholds.
type ScoringConfig struct {
	Weights    scoring.Weights    `mapstructure:"weights" yaml:"weights"`
	Thresholds scoring.Thresholds `mapstructure:"thresholds" yaml:"thresholds"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// Load reads defaults, then the YAML file at path when path is non-empty,
// then environment overrides. The result is validated.
func Load(path string) (*Config, error) {
	const op = "config.Load"

	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.E(errors.KindConfiguration, op, "read config file "+path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.E(errors.KindConfiguration, op, "decode config", err)
	}
	cfg.Sources.Enabled = splitList(cfg.Sources.Enabled)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in configuration without reading the file
// system or the environment.
func Default() *Config {
	w := scoring.DefaultWeights()
	t := scoring.DefaultThresholds()
	return &Config{
		Workers:  DefaultWorkers,
		LogLevel: "info",
		Cache: CacheConfig{
			TTL:  cache.DefaultTTL,
			Path: cache.DefaultPath(),
		},
		Sources: SourcesConfig{
			Enabled: sourceNames(),
		},
		Aggregator: AggregatorConfig{
			SourceTimeout:   DefaultSourceTimeout,
			EnricherTimeout: DefaultEnrichTimeout,
			MaxAttempts:     DefaultMaxAttempts,
			RecencyWindow:   DefaultRecencyWindow,
		},
		KEV:     KEVConfig{Enabled: true},
		Scoring: ScoringConfig{Weights: w, Thresholds: t},
		Metrics: MetricsConfig{Addr: DefaultMetricsAddr},
	}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	d := Default()
	v.SetDefault("github_token", "")
	v.SetDefault("nvd_api_key", "")
	v.SetDefault("workers", d.Workers)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("default_ecosystem", "")

	v.SetDefault("cache.disabled", d.Cache.Disabled)
	v.SetDefault("cache.ttl", d.Cache.TTL)
	v.SetDefault("cache.path", d.Cache.Path)
	v.SetDefault("cache.shards", 0)

	v.SetDefault("sources.enabled", d.Sources.Enabled)

	v.SetDefault("aggregator.source_timeout", d.Aggregator.SourceTimeout)
	v.SetDefault("aggregator.enricher_timeout", d.Aggregator.EnricherTimeout)
	v.SetDefault("aggregator.max_attempts", d.Aggregator.MaxAttempts)
	v.SetDefault("aggregator.recency_window", d.Aggregator.RecencyWindow)

	v.SetDefault("kev.enabled", d.KEV.Enabled)
	v.SetDefault("kev.url", "")
	v.SetDefault("kev.ttl", time.Duration(0))

	v.SetDefault("epss.enabled", d.EPSS.Enabled)
	v.SetDefault("epss.url", "")
	v.SetDefault("epss.ttl", time.Duration(0))

	for _, f := range scoring.AllFactors() {
		v.SetDefault("scoring.weights."+string(f), d.Scoring.Weights.Get(f))
	}
	v.SetDefault("scoring.thresholds.medium", d.Scoring.Thresholds.Medium)
	v.SetDefault("scoring.thresholds.high", d.Scoring.Thresholds.High)
	v.SetDefault("scoring.thresholds.critical", d.Scoring.Thresholds.Critical)

	v.SetDefault("metrics.addr", d.Metrics.Addr)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Names older releases read.
	_ = v.BindEnv("cache.disabled", "DRP_CACHE_DISABLED", "DRP_DISABLE_CACHE")
	_ = v.BindEnv("github_token", "DRP_GITHUB_TOKEN", "GITHUB_TOKEN")
	_ = v.BindEnv("nvd_api_key", "DRP_NVD_API_KEY", "NVD_API_KEY")
	return v
}

// Validate reports the first invalid setting as a KindConfiguration error.
func (c *Config) Validate() error {
	const op = "config.Validate"
	invalid := func(format string, args ...any) error {
		return errors.E(errors.KindConfiguration, op, fmt.Sprintf(format, args...))
	}

	if c.Workers <= 0 {
		return invalid("workers must be positive, got %d", c.Workers)
	}
	if c.Aggregator.SourceTimeout <= 0 {
		return invalid("aggregator.source_timeout must be positive, got %s", c.Aggregator.SourceTimeout)
	}
	if c.Aggregator.EnricherTimeout <= 0 {
		return invalid("aggregator.enricher_timeout must be positive, got %s", c.Aggregator.EnricherTimeout)
	}
	if c.Aggregator.MaxAttempts <= 0 {
		return invalid("aggregator.max_attempts must be positive, got %d", c.Aggregator.MaxAttempts)
	}
	if c.Aggregator.RecencyWindow <= 0 {
		return invalid("aggregator.recency_window must be positive, got %s", c.Aggregator.RecencyWindow)
	}
	if !c.Cache.Disabled && c.Cache.TTL <= 0 {
		return invalid("cache.ttl must be positive, got %s", c.Cache.TTL)
	}
	if c.Cache.Shards < 0 {
		return invalid("cache.shards must not be negative, got %d", c.Cache.Shards)
	}
	if c.KEV.TTL < 0 {
		return invalid("kev.ttl must not be negative, got %s", c.KEV.TTL)
	}
	if c.EPSS.TTL < 0 {
		return invalid("epss.ttl must not be negative, got %s", c.EPSS.TTL)
	}

	if len(c.Sources.Enabled) == 0 {
		return invalid("sources.enabled must name at least one source")
	}
	for _, name := range c.Sources.Enabled {
		if _, ok := model.ParseSource(name); !ok {
			return invalid("unknown source %q (known: %s)", name, strings.Join(sourceNames(), ", "))
		}
	}
	for name, limit := range c.Sources.RateLimits {
		if _, ok := model.ParseSource(name); !ok {
			return invalid("rate limit for unknown source %q", name)
		}
		if limit < 0 {
			return invalid("rate limit for %s must not be negative, got %d", name, limit)
		}
	}

	if c.DefaultEcosystem != "" {
		if _, ok := model.ParseEcosystem(c.DefaultEcosystem); !ok {
			return invalid("unknown default_ecosystem %q", c.DefaultEcosystem)
		}
	}
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "warning", "error", "silent":
	default:
		return invalid("unknown log_level %q", c.LogLevel)
	}

	if err := c.Scoring.Weights.Validate(); err != nil {
		return err
	}
	return c.Scoring.Thresholds.Validate()
}

// APIKeys returns the per-source credentials passed to the aggregator.
func (c *Config) APIKeys() map[model.SourceName]string {
	keys := make(map[model.SourceName]string, 2)
	if c.GitHubToken != "" {
		keys[model.SourceGitHub] = c.GitHubToken
	}
	if c.NVDAPIKey != "" {
		keys[model.SourceNVD] = c.NVDAPIKey
	}
	return keys
}

// RateLimitsBySource converts the configured limits to source tags.
// Validate has already rejected unknown names.
func (c *Config) RateLimitsBySource() map[model.SourceName]int {
	out := make(map[model.SourceName]int, len(c.Sources.RateLimits))
	for name, limit := range c.Sources.RateLimits {
		if src, ok := model.ParseSource(name); ok {
			out[src] = limit
		}
	}
	return out
}

// Ecosystem returns the parsed default ecosystem, or "" when unset.
func (c *Config) Ecosystem() model.Ecosystem {
	eco, _ := model.ParseEcosystem(c.DefaultEcosystem)
	return eco
}

// WriteYAML writes cfg as YAML with credentials masked.
func WriteYAML(w io.Writer, cfg *Config) error {
	masked := *cfg
	masked.GitHubToken = mask(cfg.GitHubToken)
	masked.NVDAPIKey = mask(cfg.NVDAPIKey)

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&masked); err != nil {
		return errors.E(errors.KindInternal, "config.WriteYAML", "encode config", err)
	}
	return enc.Close()
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}

func sourceNames() []string {
	all := model.AllSources()
	out := make([]string, len(all))
	for i, s := range all {
		out[i] = string(s)
	}
	return out
}

// splitList accepts both YAML lists and a comma-separated env value.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(strings.ToLower(part)); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
