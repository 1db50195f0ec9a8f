package sources

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/go-github/v74/github"
	"golang.org/x/oauth2"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/severity"
)

const (
	// DefaultGitHubBaseURL is the public GitHub REST API.
	DefaultGitHubBaseURL = "https://api.github.com"

	githubPerPage  = 100
	githubMaxPages = 5
)

var githubEcosystems = map[model.Ecosystem]string{
	model.EcosystemPython: "pip",
	model.EcosystemNodeJS: "npm",
	model.EcosystemGolang: "go",
	model.EcosystemMaven:  "maven",
	model.EcosystemNuGet:  "nuget",
	model.EcosystemRuby:   "rubygems",
	model.EcosystemPHP:    "composer",
	model.EcosystemRust:   "rust",
}

// GitHubConfig configures the GitHub Security Advisory source.
type GitHubConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	RateLimit  int
	Logger     core.Logger
}

// GitHub lists reviewed global security advisories through the REST API.
type GitHub struct {
	*BaseSource

	mu      sync.Mutex
	clients map[string]*github.Client
}

// NewGitHub creates a GitHub advisory source.
func NewGitHub(cfg GitHubConfig) *GitHub {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultGitHubBaseURL
	}
	return &GitHub{
		BaseSource: NewBaseSource(BaseConfig{
			Name:       model.SourceGitHub,
			BaseURL:    cfg.BaseURL,
			HTTPClient: cfg.HTTPClient,
			RateLimit:  cfg.RateLimit,
			Logger:     cfg.Logger,
		}),
		clients: make(map[string]*github.Client),
	}
}

// Supports reports whether GitHub tracks the ecosystem.
func (s *GitHub) Supports(eco model.Ecosystem) bool {
	_, ok := githubEcosystems[eco]
	return ok
}

// client returns a go-github client for token, creating it on first use.
// An empty token yields an anonymous client.
func (s *GitHub) client(token string) (*github.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[token]; ok {
		return c, nil
	}

	httpClient := s.HTTPClient()
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, httpClient)
		tc := oauth2.NewClient(ctx, ts)
		tc.Timeout = httpClient.Timeout
		httpClient = tc
	}

	c := github.NewClient(httpClient)
	u, err := url.Parse(s.BaseURL() + "/")
	if err != nil {
		return nil, errors.E(errors.KindConfiguration, "sources.github.client", "invalid base url", err)
	}
	c.BaseURL = u
	c.UserAgent = userAgent

	s.clients[token] = c
	return c, nil
}

// Fetch lists advisories affecting the package and returns them as a JSON array.
func (s *GitHub) Fetch(ctx context.Context, q Query) ([]byte, error) {
	op := "sources.github.Fetch"
	eco, ok := githubEcosystems[q.Ecosystem]
	if !ok {
		return nil, errors.E(errors.KindInvalidInput, op, "unsupported ecosystem "+string(q.Ecosystem))
	}
	if q.APIKey == "" {
		s.Logger().Debug("github: no token configured, querying anonymously")
	}

	client, err := s.client(q.APIKey)
	if err != nil {
		return nil, err
	}

	opts := &github.ListGlobalSecurityAdvisoriesOptions{
		Ecosystem: github.Ptr(eco),
		Affects:   github.Ptr(q.Package),
		Type:      github.Ptr("reviewed"),
	}
	opts.PerPage = githubPerPage

	all := make([]*github.GlobalSecurityAdvisory, 0)
	for page := 0; page < githubMaxPages; page++ {
		if err := s.WaitForRateLimit(ctx); err != nil {
			return nil, err
		}
		advisories, resp, err := client.SecurityAdvisories.ListGlobalSecurityAdvisories(ctx, opts)
		if err != nil {
			return nil, classifyGitHubError(op, err)
		}
		all = append(all, advisories...)
		if resp == nil || resp.After == "" {
			break
		}
		opts.After = resp.After
	}

	payload, err := json.Marshal(all)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "encode advisories", err)
	}
	return payload, nil
}

func classifyGitHubError(op string, err error) error {
	var rateErr *github.RateLimitError
	if stderrors.As(err, &rateErr) {
		return errors.E(errors.KindRateLimited, op, "rate limited", err)
	}
	var abuseErr *github.AbuseRateLimitError
	if stderrors.As(err, &abuseErr) {
		return errors.E(errors.KindRateLimited, op, "secondary rate limit", err)
	}
	var respErr *github.ErrorResponse
	if stderrors.As(err, &respErr) && respErr.Response != nil {
		return errors.FromStatus(op, string(model.SourceGitHub), respErr.Response.StatusCode, truncate(respErr.Message, 256))
	}
	return ClassifyTransportError(op, err)
}

// Normalize maps global advisories. Advisories without a GHSA id are skipped.
func (s *GitHub) Normalize(q Query, payload []byte) ([]model.Vulnerability, error) {
	var advisories []*github.GlobalSecurityAdvisory
	if err := json.Unmarshal(payload, &advisories); err != nil {
		return nil, errors.E(errors.KindMalformedResponse, "sources.github.Normalize", "decode payload", err)
	}

	out := make([]model.Vulnerability, 0, len(advisories))
	for _, adv := range advisories {
		if adv == nil || adv.GetGHSAID() == "" {
			continue
		}
		out = append(out, normalizeAdvisory(q, adv))
	}
	return out, nil
}

func normalizeAdvisory(q Query, adv *github.GlobalSecurityAdvisory) model.Vulnerability {
	v := model.Vulnerability{
		ID:       adv.GetGHSAID(),
		Source:   model.SourceGitHub,
		Summary:  firstNonEmpty(adv.GetSummary(), firstLine(adv.GetDescription()), adv.GetGHSAID()),
		Severity: severity.FromString(adv.GetSeverity()),
	}

	v.Aliases = appendUnique(v.Aliases, adv.GetCVEID())
	for _, ident := range adv.Identifiers {
		if ident == nil || ident.Value == nil {
			continue
		}
		if !strings.EqualFold(*ident.Value, v.ID) {
			v.Aliases = appendUnique(v.Aliases, *ident.Value)
		}
	}

	if adv.CVSS != nil && adv.CVSS.Score != nil && *adv.CVSS.Score > 0 {
		v.CVSSScore = model.NormalizeCVSS(*adv.CVSS.Score)
	}
	if v.Severity == severity.Unknown && v.CVSSScore != nil {
		v.Severity = severity.FromCVSS(*v.CVSSScore)
	}
	if adv.PublishedAt != nil {
		t := adv.PublishedAt.UTC()
		v.Published = &t
	}

	var ranges []string
	for _, vuln := range adv.Vulnerabilities {
		if vuln == nil {
			continue
		}
		if vuln.Package != nil && vuln.Package.Name != nil && !strings.EqualFold(*vuln.Package.Name, q.Package) {
			continue
		}
		if vuln.VulnerableVersionRange != nil {
			ranges = append(ranges, *vuln.VulnerableVersionRange)
		}
		if vuln.FirstPatchedVersion != nil {
			v.FixedVersions = appendUnique(v.FixedVersions, *vuln.FirstPatchedVersion)
		}
	}
	v.AffectedVersions = strings.Join(appendUnique(nil, ranges...), " || ")

	v.References = appendUnique(v.References, adv.References...)
	v.KnownExploited = HasExploitReference(v.References)
	return v
}
