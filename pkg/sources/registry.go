package sources

import (
	"net/http"
	"sort"
	"strings"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
)

// Options carries the settings shared by source constructors.
type Options struct {
	HTTPClient *http.Client
	Logger     core.Logger

	// BaseURLs overrides a source's API host, keyed by source tag. The
	// registry source reads "registry.pypi" and "registry.npm".
	BaseURLs map[string]string

	// RateLimits overrides requests per minute, keyed by source tag.
	RateLimits map[model.SourceName]int
}

// Constructor builds a Source.
type Constructor func(opts Options) Source

// Info describes a registered source.
type Info struct {
	Name        model.SourceName
	Description string
	Ecosystems  []model.Ecosystem
	NeedsKey    bool
}

type registration struct {
	info Info
	ctor Constructor
}

// The set of sources is fixed at build time.
var registry = map[model.SourceName]registration{
	model.SourceOSV: {
		info: Info{Name: model.SourceOSV, Description: "OSV.dev open source vulnerability database"},
		ctor: func(o Options) Source {
			return NewOSV(OSVConfig{BaseURL: o.BaseURLs[string(model.SourceOSV)], HTTPClient: o.HTTPClient, RateLimit: o.RateLimits[model.SourceOSV], Logger: o.Logger})
		},
	},
	model.SourceNVD: {
		info: Info{Name: model.SourceNVD, Description: "NIST National Vulnerability Database keyword search", NeedsKey: true},
		ctor: func(o Options) Source {
			return NewNVD(NVDConfig{BaseURL: o.BaseURLs[string(model.SourceNVD)], HTTPClient: o.HTTPClient, RateLimit: o.RateLimits[model.SourceNVD], Logger: o.Logger})
		},
	},
	model.SourceGitHub: {
		info: Info{Name: model.SourceGitHub, Description: "GitHub reviewed security advisories", NeedsKey: true},
		ctor: func(o Options) Source {
			return NewGitHub(GitHubConfig{BaseURL: o.BaseURLs[string(model.SourceGitHub)], HTTPClient: o.HTTPClient, RateLimit: o.RateLimits[model.SourceGitHub], Logger: o.Logger})
		},
	},
	model.SourceRegistry: {
		info: Info{Name: model.SourceRegistry, Description: "Package registry advisories (PyPI, npm)"},
		ctor: func(o Options) Source {
			return NewRegistry(RegistryConfig{
				PyPIBaseURL: o.BaseURLs["registry.pypi"],
				NPMBaseURL:  o.BaseURLs["registry.npm"],
				HTTPClient:  o.HTTPClient,
				RateLimit:   o.RateLimits[model.SourceRegistry],
				Logger:      o.Logger,
			})
		},
	},
}

// Available lists the registered sources sorted by name. Ecosystems is
// filled from each source's Supports.
func Available() []Info {
	out := make([]Info, 0, len(registry))
	for _, reg := range registry {
		info := reg.info
		src := reg.ctor(Options{})
		for _, eco := range model.AllEcosystems() {
			if src.Supports(eco) {
				info.Ecosystems = append(info.Ecosystems, eco)
			}
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Build constructs the named sources in the given order. An unknown or
// duplicate name is a configuration error.
func Build(names []string, opts Options) ([]Source, error) {
	const op = "sources.Build"
	seen := make(map[model.SourceName]bool, len(names))
	out := make([]Source, 0, len(names))
	for _, raw := range names {
		name, ok := model.ParseSource(raw)
		if !ok {
			return nil, errors.E(errors.KindConfiguration, op, "unknown source "+strings.TrimSpace(raw))
		}
		if seen[name] {
			return nil, errors.E(errors.KindConfiguration, op, "duplicate source "+string(name))
		}
		seen[name] = true
		out = append(out, registry[name].ctor(opts))
	}
	return out, nil
}
