package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/severity"
)

const (
	// DefaultNVDBaseURL is the public NVD API host.
	DefaultNVDBaseURL = "https://services.nvd.nist.gov"

	nvdPath           = "/rest/json/cves/2.0"
	nvdResultsPerPage = 50
)

// NVDConfig configures the NVD source.
type NVDConfig struct {
	BaseURL    string
	HTTPClient *http.Client

	// RateLimit defaults to 5 requests per 30s without a key; callers with a
	// key may raise it.
	RateLimit int
	Logger    core.Logger
}

// NVD queries the National Vulnerability Database by keyword.
type NVD struct {
	*BaseSource
}

// NewNVD creates an NVD source.
func NewNVD(cfg NVDConfig) *NVD {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultNVDBaseURL
	}
	if cfg.RateLimit == 0 {
		cfg.RateLimit = 10
	}
	return &NVD{BaseSource: NewBaseSource(BaseConfig{
		Name:       model.SourceNVD,
		BaseURL:    cfg.BaseURL,
		HTTPClient: cfg.HTTPClient,
		RateLimit:  cfg.RateLimit,
		Burst:      5,
		Logger:     cfg.Logger,
	})}
}

// Supports reports true for every ecosystem; NVD is searched by keyword.
func (s *NVD) Supports(model.Ecosystem) bool {
	return true
}

// Fetch runs a keyword search for the package name.
func (s *NVD) Fetch(ctx context.Context, q Query) ([]byte, error) {
	op := "sources.nvd.Fetch"
	params := url.Values{}
	params.Set("keywordSearch", q.Package)
	params.Set("resultsPerPage", strconv.Itoa(nvdResultsPerPage))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL()+nvdPath+"?"+params.Encode(), nil)
	if err != nil {
		return nil, errors.E(errors.KindInternal, op, "build request", err)
	}
	if q.APIKey != "" {
		req.Header.Set("apiKey", q.APIKey)
	}
	return s.Do(ctx, req)
}

type nvdResponse struct {
	Vulnerabilities []struct {
		CVE nvdCVE `json:"cve"`
	} `json:"vulnerabilities"`
}

type nvdLangValue struct {
	Lang  string `json:"lang"`
	Value string `json:"value"`
}

type nvdCVSSv3 struct {
	CvssData struct {
		BaseScore    float64 `json:"baseScore"`
		BaseSeverity string  `json:"baseSeverity"`
		VectorString string  `json:"vectorString"`
	} `json:"cvssData"`
}

type nvdCVE struct {
	ID             string         `json:"id"`
	Published      string         `json:"published"`
	CisaExploitAdd string         `json:"cisaExploitAdd"`
	Descriptions   []nvdLangValue `json:"descriptions"`
	Metrics        struct {
		CvssMetricV31 []nvdCVSSv3 `json:"cvssMetricV31"`
		CvssMetricV30 []nvdCVSSv3 `json:"cvssMetricV30"`
		CvssMetricV2  []struct {
			BaseSeverity string `json:"baseSeverity"`
			CvssData     struct {
				BaseScore float64 `json:"baseScore"`
			} `json:"cvssData"`
		} `json:"cvssMetricV2"`
	} `json:"metrics"`
	Configurations []struct {
		Nodes []struct {
			CPEMatch []struct {
				Vulnerable            bool   `json:"vulnerable"`
				Criteria              string `json:"criteria"`
				VersionStartIncluding string `json:"versionStartIncluding"`
				VersionStartExcluding string `json:"versionStartExcluding"`
				VersionEndIncluding   string `json:"versionEndIncluding"`
				VersionEndExcluding   string `json:"versionEndExcluding"`
			} `json:"cpeMatch"`
		} `json:"nodes"`
	} `json:"configurations"`
	References []struct {
		URL  string   `json:"url"`
		Tags []string `json:"tags"`
	} `json:"references"`
}

// Normalize maps NVD CVE items. Items without an id are skipped.
func (s *NVD) Normalize(q Query, payload []byte) ([]model.Vulnerability, error) {
	var resp nvdResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, errors.E(errors.KindMalformedResponse, "sources.nvd.Normalize", "decode payload", err)
	}

	out := make([]model.Vulnerability, 0, len(resp.Vulnerabilities))
	for _, item := range resp.Vulnerabilities {
		if strings.TrimSpace(item.CVE.ID) == "" {
			continue
		}
		out = append(out, normalizeCVE(item.CVE, q.Package))
	}
	return out, nil
}

func normalizeCVE(cve nvdCVE, pkg string) model.Vulnerability {
	v := model.Vulnerability{
		ID:        cve.ID,
		Source:    model.SourceNVD,
		Published: parseTime(cve.Published),
		Summary:   cve.ID,
		Severity:  severity.Unknown,
	}
	for _, d := range cve.Descriptions {
		if d.Lang == "en" && strings.TrimSpace(d.Value) != "" {
			v.Summary = strings.TrimSpace(d.Value)
			break
		}
	}

	// v3.1 first, then v3.0, then v2
	m := cve.Metrics
	switch {
	case len(m.CvssMetricV31) > 0:
		v.CVSSScore = model.NormalizeCVSS(m.CvssMetricV31[0].CvssData.BaseScore)
		v.Severity = severity.FromString(m.CvssMetricV31[0].CvssData.BaseSeverity)
	case len(m.CvssMetricV30) > 0:
		v.CVSSScore = model.NormalizeCVSS(m.CvssMetricV30[0].CvssData.BaseScore)
		v.Severity = severity.FromString(m.CvssMetricV30[0].CvssData.BaseSeverity)
	case len(m.CvssMetricV2) > 0:
		v.CVSSScore = model.NormalizeCVSS(m.CvssMetricV2[0].CvssData.BaseScore)
		v.Severity = severity.FromString(m.CvssMetricV2[0].BaseSeverity)
	}
	if v.Severity == severity.Unknown && v.CVSSScore != nil {
		v.Severity = severity.FromCVSS(*v.CVSSScore)
	}

	// A keyword search also returns CVEs of other products that mention the
	// package; only CPEs naming the package itself carry its version ranges.
	var ranges []string
	for _, cfg := range cve.Configurations {
		for _, node := range cfg.Nodes {
			for _, match := range node.CPEMatch {
				if !match.Vulnerable || !cpeNamesPackage(match.Criteria, pkg) {
					continue
				}
				var parts []string
				switch {
				case match.VersionStartIncluding != "":
					parts = append(parts, ">="+match.VersionStartIncluding)
				case match.VersionStartExcluding != "":
					parts = append(parts, ">"+match.VersionStartExcluding)
				}
				switch {
				case match.VersionEndExcluding != "":
					parts = append(parts, "<"+match.VersionEndExcluding)
					v.FixedVersions = appendUnique(v.FixedVersions, match.VersionEndExcluding)
				case match.VersionEndIncluding != "":
					parts = append(parts, "<="+match.VersionEndIncluding)
				}
				if len(parts) > 0 {
					ranges = append(ranges, strings.Join(parts, ", "))
				}
			}
		}
	}
	v.AffectedVersions = strings.Join(appendUnique(nil, ranges...), " || ")

	exploit := cve.CisaExploitAdd != ""
	for _, ref := range cve.References {
		v.References = appendUnique(v.References, ref.URL)
		for _, tag := range ref.Tags {
			if strings.EqualFold(tag, "Exploit") {
				exploit = true
			}
		}
	}
	v.KnownExploited = exploit || HasExploitReference(v.References)
	return v
}

// cpeNamesPackage reports whether the product component of a CPE 2.3 name
// (cpe:2.3:part:vendor:product:...) refers to pkg. Scoped and path-like
// package names are compared by their last segment; case and the
// separators - _ . are ignored. A CPE without a usable product matches.
func cpeNamesPackage(criteria, pkg string) bool {
	fields := strings.Split(criteria, ":")
	if len(fields) < 5 {
		return true
	}
	product := strings.ToLower(strings.ReplaceAll(fields[4], `\`, ""))
	if product == "" || product == "*" || product == "-" {
		return true
	}

	name := strings.ToLower(strings.TrimSpace(pkg))
	candidates := []string{name}
	if i := strings.LastIndexAny(name, "/:"); i >= 0 && i+1 < len(name) {
		candidates = append(candidates, name[i+1:])
	}
	for _, c := range candidates {
		if squashName(c) == squashName(product) {
			return true
		}
		if strings.HasPrefix(c, product+"-") || strings.HasPrefix(c, product+"_") {
			return true
		}
	}
	return false
}

var nameSeparators = strings.NewReplacer("-", "", "_", "", ".", "")

func squashName(s string) string {
	return nameSeparators.Replace(s)
}
