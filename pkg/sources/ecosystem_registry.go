package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/severity"
)

const (
	// DefaultPyPIBaseURL is the PyPI JSON API host.
	DefaultPyPIBaseURL = "https://pypi.org"

	// DefaultNPMBaseURL is the npm registry host.
	DefaultNPMBaseURL = "https://registry.npmjs.org"
)

// RegistryConfig configures the package registry source.
type RegistryConfig struct {
	PyPIBaseURL string
	NPMBaseURL  string
	HTTPClient  *http.Client
	RateLimit   int
	Logger      core.Logger
}

// Registry reads the advisories package registries publish alongside their
// metadata: PyPI's vulnerabilities list and npm's bulk advisory endpoint.
// Other ecosystems yield an empty result.
type Registry struct {
	*BaseSource
	pypiBaseURL string
	npmBaseURL  string
}

// NewRegistry creates a registry source.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.PyPIBaseURL == "" {
		cfg.PyPIBaseURL = DefaultPyPIBaseURL
	}
	if cfg.NPMBaseURL == "" {
		cfg.NPMBaseURL = DefaultNPMBaseURL
	}
	return &Registry{
		BaseSource: NewBaseSource(BaseConfig{
			Name:       model.SourceRegistry,
			HTTPClient: cfg.HTTPClient,
			RateLimit:  cfg.RateLimit,
			Logger:     cfg.Logger,
		}),
		pypiBaseURL: strings.TrimSuffix(cfg.PyPIBaseURL, "/"),
		npmBaseURL:  strings.TrimSuffix(cfg.NPMBaseURL, "/"),
	}
}

// Supports reports true for every ecosystem. Registries without an
// advisory feed return an empty payload.
func (s *Registry) Supports(model.Ecosystem) bool {
	return true
}

// Fetch queries the registry for the package's ecosystem.
func (s *Registry) Fetch(ctx context.Context, q Query) ([]byte, error) {
	switch q.Ecosystem {
	case model.EcosystemPython:
		return s.fetchPyPI(ctx, q)
	case model.EcosystemNodeJS:
		return s.fetchNPM(ctx, q)
	default:
		return []byte("{}"), nil
	}
}

func (s *Registry) fetchPyPI(ctx context.Context, q Query) ([]byte, error) {
	op := "sources.registry.fetchPyPI"
	endpoint := s.pypiBaseURL + "/" + path.Join("pypi", url.PathEscape(q.Package), "json")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "build request", err)
	}
	return s.Do(ctx, req)
}

func (s *Registry) fetchNPM(ctx context.Context, q Query) ([]byte, error) {
	op := "sources.registry.fetchNPM"
	version := q.Version
	if version == "" {
		version = "*"
	}
	body, err := json.Marshal(map[string][]string{q.Package: {version}})
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "encode query", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.npmBaseURL+"/-/npm/v1/security/advisories/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return s.Do(ctx, req)
}

// Normalize maps the registry payload for the query's ecosystem.
func (s *Registry) Normalize(q Query, payload []byte) ([]model.Vulnerability, error) {
	switch q.Ecosystem {
	case model.EcosystemPython:
		return normalizePyPI(payload)
	case model.EcosystemNodeJS:
		return normalizeNPM(q, payload)
	default:
		return nil, nil
	}
}

type pypiResponse struct {
	Vulnerabilities []struct {
		ID        string   `json:"id"`
		Aliases   []string `json:"aliases"`
		Summary   string   `json:"summary"`
		Details   string   `json:"details"`
		FixedIn   []string `json:"fixed_in"`
		Link      string   `json:"link"`
		Withdrawn *string  `json:"withdrawn"`
	} `json:"vulnerabilities"`
}

func normalizePyPI(payload []byte) ([]model.Vulnerability, error) {
	var resp pypiResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.E(errors.KindMalformedResponse, "sources.registry.normalizePyPI", "decode payload", err)
	}

	out := make([]model.Vulnerability, 0, len(resp.Vulnerabilities))
	for _, rec := range resp.Vulnerabilities {
		if strings.TrimSpace(rec.ID) == "" || rec.Withdrawn != nil {
			continue
		}
		v := model.Vulnerability{
			ID:            rec.ID,
			Aliases:       appendUnique(nil, rec.Aliases...),
			Source:        model.SourceRegistry,
			Severity:      severity.Unknown,
			Summary:       firstNonEmpty(rec.Summary, firstLine(rec.Details), rec.ID),
			FixedVersions: appendUnique(nil, rec.FixedIn...),
			References:    appendUnique(nil, rec.Link),
		}
		if len(v.FixedVersions) > 0 {
			v.AffectedVersions = "<" + v.FixedVersions[0]
		}
		v.KnownExploited = HasExploitReference(v.References)
		out = append(out, v)
	}
	return out, nil
}

type npmAdvisory struct {
	ID                 int64  `json:"id"`
	URL                string `json:"url"`
	Title              string `json:"title"`
	Severity           string `json:"severity"`
	VulnerableVersions string `json:"vulnerable_versions"`
	CVSS               struct {
		Score float64 `json:"score"`
	} `json:"cvss"`
}

func normalizeNPM(q Query, payload []byte) ([]model.Vulnerability, error) {
	var resp map[string][]npmAdvisory
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.E(errors.KindMalformedResponse, "sources.registry.normalizeNPM", "decode payload", err)
	}

	advisories := resp[q.Package]
	out := make([]model.Vulnerability, 0, len(advisories))
	for _, adv := range advisories {
		id := advisoryIDFromURL(adv.URL)
		if id == "" {
			if adv.ID == 0 {
				continue
			}
			id = "NPM-" + strconv.FormatInt(adv.ID, 10)
		}
		v := model.Vulnerability{
			ID:               id,
			Source:           model.SourceRegistry,
			Severity:         severity.FromString(adv.Severity),
			Summary:          firstNonEmpty(adv.Title, id),
			AffectedVersions: adv.VulnerableVersions,
			References:       appendUnique(nil, adv.URL),
		}
		if adv.CVSS.Score > 0 {
			v.CVSSScore = model.NormalizeCVSS(adv.CVSS.Score)
		}
		v.KnownExploited = HasExploitReference(v.References)
		out = append(out, v)
	}
	return out, nil
}

// advisoryIDFromURL extracts a GHSA id from a github.com/advisories link.
func advisoryIDFromURL(raw string) string {
	i := strings.Index(raw, "/advisories/")
	if i < 0 {
		return ""
	}
	id := strings.Trim(raw[i+len("/advisories/"):], "/")
	if strings.HasPrefix(strings.ToUpper(id), "GHSA-") {
		return id
	}
	return ""
}

// CachePackage scopes npm payloads to the queried version, since the bulk
// endpoint only reports advisories matching it.
func (s *Registry) CachePackage(q Query) string {
	if q.Ecosystem == model.EcosystemNodeJS && q.Version != "" {
		return q.Package + "@" + q.Version
	}
	return q.Package
}
