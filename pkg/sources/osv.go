package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	gocvss30 "github.com/pandatix/go-cvss/30"
	gocvss31 "github.com/pandatix/go-cvss/31"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/severity"
)

const (
	// DefaultOSVBaseURL is the public OSV API.
	DefaultOSVBaseURL = "https://api.osv.dev"

	// osvMaxPages bounds next_page_token following.
	osvMaxPages = 10
)

var osvEcosystems = map[model.Ecosystem]string{
	model.EcosystemPython: "PyPI",
	model.EcosystemNodeJS: "npm",
	model.EcosystemGolang: "Go",
	model.EcosystemMaven:  "Maven",
	model.EcosystemNuGet:  "NuGet",
	model.EcosystemRuby:   "RubyGems",
	model.EcosystemPHP:    "Packagist",
	model.EcosystemRust:   "crates.io",
}

// OSVConfig configures the OSV source.
type OSVConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	RateLimit  int
	Logger     core.Logger
}

// OSV queries the OSV.dev database.
type OSV struct {
	*BaseSource
}

// NewOSV creates an OSV source.
func NewOSV(cfg OSVConfig) *OSV {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOSVBaseURL
	}
	return &OSV{BaseSource: NewBaseSource(BaseConfig{
		Name:       model.SourceOSV,
		BaseURL:    cfg.BaseURL,
		HTTPClient: cfg.HTTPClient,
		RateLimit:  cfg.RateLimit,
		Logger:     cfg.Logger,
	})}
}

// Supports reports whether OSV indexes the ecosystem.
func (s *OSV) Supports(eco model.Ecosystem) bool {
	_, ok := osvEcosystems[eco]
	return ok
}

type osvQuery struct {
	Package   osvPackage `json:"package"`
	PageToken string     `json:"page_token,omitempty"`
}

type osvPackage struct {
	Name      string `json:"name"`
	Ecosystem string `json:"ecosystem"`
}

type osvPage struct {
	Vulns         []json.RawMessage `json:"vulns"`
	NextPageToken string            `json:"next_page_token"`
}

// Fetch posts a package query and follows pagination. The returned payload
// holds every page's records under a single "vulns" array.
func (s *OSV) Fetch(ctx context.Context, q Query) ([]byte, error) {
	op := "sources.osv.Fetch"
	eco, ok := osvEcosystems[q.Ecosystem]
	if !ok {
		return nil, errors.E(errors.KindInvalidInput, op, "unsupported ecosystem "+string(q.Ecosystem))
	}

	var all []json.RawMessage
	token := ""
	for page := 0; page < osvMaxPages; page++ {
		body, err := json.Marshal(osvQuery{
			Package:   osvPackage{Name: q.Package, Ecosystem: eco},
			PageToken: token,
		})
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, "encode query", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL()+"/v1/query", bytes.NewReader(body))
		if err != nil {
			return nil, errors.E(errors.KindInternal, op, "build request", err)
		}
		req.Header.Set("Content-Type", "application/json")

		raw, err := s.Do(ctx, req)
		if err != nil {
			return nil, err
		}

		var resp osvPage
		if err := json.Unmarshal(raw, &resp); err != nil {
			return nil, errors.E(errors.KindMalformedResponse, op, "decode page", err)
		}
		all = append(all, resp.Vulns...)
		if resp.NextPageToken == "" {
			break
		}
		token = resp.NextPageToken
	}

	if all == nil {
		all = []json.RawMessage{}
	}
	return json.Marshal(osvPage{Vulns: all})
}

type osvVuln struct {
	ID        string   `json:"id"`
	Summary   string   `json:"summary"`
	Details   string   `json:"details"`
	Aliases   []string `json:"aliases"`
	Published string   `json:"published"`
	Severity  []struct {
		Type  string `json:"type"`
		Score string `json:"score"`
	} `json:"severity"`
	Affected []struct {
		Ranges []struct {
			Type   string `json:"type"`
			Events []struct {
				Introduced   string `json:"introduced"`
				Fixed        string `json:"fixed"`
				LastAffected string `json:"last_affected"`
			} `json:"events"`
		} `json:"ranges"`
		DatabaseSpecific struct {
			Severity string `json:"severity"`
		} `json:"database_specific"`
	} `json:"affected"`
	References []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"references"`
	DatabaseSpecific struct {
		Severity string `json:"severity"`
	} `json:"database_specific"`
}

// Normalize maps OSV records. Records without an id are skipped.
func (s *OSV) Normalize(q Query, payload []byte) ([]model.Vulnerability, error) {
	var page osvPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, errors.E(errors.KindMalformedResponse, "sources.osv.Normalize", "decode payload", err)
	}

	out := make([]model.Vulnerability, 0, len(page.Vulns))
	for _, raw := range page.Vulns {
		var rec osvVuln
		if err := json.Unmarshal(raw, &rec); err != nil {
			s.Logger().Debug("osv: skipping undecodable record for %s: %v", q.Package, err)
			continue
		}
		if strings.TrimSpace(rec.ID) == "" {
			continue
		}
		out = append(out, s.normalizeRecord(rec))
	}
	return out, nil
}

func (s *OSV) normalizeRecord(rec osvVuln) model.Vulnerability {
	v := model.Vulnerability{
		ID:        rec.ID,
		Aliases:   appendUnique(nil, rec.Aliases...),
		Source:    model.SourceOSV,
		Summary:   firstNonEmpty(rec.Summary, firstLine(rec.Details), rec.ID),
		Published: parseTime(rec.Published),
	}

	for _, sev := range rec.Severity {
		if score, ok := scoreFromVector(sev.Score); ok {
			if v.CVSSScore == nil || score > *v.CVSSScore {
				v.CVSSScore = model.NormalizeCVSS(score)
			}
		}
	}

	sevText := rec.DatabaseSpecific.Severity
	var ranges []string
	for _, aff := range rec.Affected {
		if sevText == "" {
			sevText = aff.DatabaseSpecific.Severity
		}
		for _, rng := range aff.Ranges {
			if rng.Type == "GIT" {
				continue
			}
			introduced := ""
			for _, ev := range rng.Events {
				switch {
				case ev.Introduced != "":
					introduced = ev.Introduced
				case ev.Fixed != "":
					v.FixedVersions = appendUnique(v.FixedVersions, ev.Fixed)
					ranges = append(ranges, describeRange(introduced, "<"+ev.Fixed))
					introduced = ""
				case ev.LastAffected != "":
					ranges = append(ranges, describeRange(introduced, "<="+ev.LastAffected))
					introduced = ""
				}
			}
			if introduced != "" {
				ranges = append(ranges, describeRange(introduced, ""))
			}
		}
	}
	v.AffectedVersions = strings.Join(appendUnique(nil, ranges...), " || ")

	switch {
	case sevText != "":
		v.Severity = severity.FromString(sevText)
	case v.CVSSScore != nil:
		v.Severity = severity.FromCVSS(*v.CVSSScore)
	default:
		v.Severity = severity.Unknown
	}

	refs := make([]string, 0, len(rec.References))
	exploit := false
	for _, ref := range rec.References {
		refs = appendUnique(refs, ref.URL)
		if strings.EqualFold(ref.Type, "EVIDENCE") {
			exploit = true
		}
	}
	v.References = refs
	v.KnownExploited = exploit || HasExploitReference(refs)
	return v
}

func describeRange(introduced, upper string) string {
	parts := make([]string, 0, 2)
	if introduced != "" && introduced != "0" {
		parts = append(parts, ">="+introduced)
	}
	if upper != "" {
		parts = append(parts, upper)
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ", ")
}

// scoreFromVector accepts a CVSS v3.x vector or a bare numeric score.
func scoreFromVector(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(s, "CVSS:3.1/"):
		vec, err := gocvss31.ParseVector(s)
		if err != nil {
			return 0, false
		}
		return vec.BaseScore(), true
	case strings.HasPrefix(s, "CVSS:3.0/"):
		vec, err := gocvss30.ParseVector(s)
		if err != nil {
			return 0, false
		}
		return vec.BaseScore(), true
	default:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
