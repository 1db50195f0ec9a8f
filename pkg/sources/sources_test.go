package sources

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/model"
	"github.com/exploopio/deprisk/pkg/severity"
)

func TestOSV_FetchFollowsPagination(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/query", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var q osvQuery
		require.NoError(t, json.NewDecoder(r.Body).Decode(&q))
		assert.Equal(t, "PyPI", q.Package.Ecosystem)
		assert.Equal(t, "jinja2", q.Package.Name)

		calls++
		if q.PageToken == "" {
			_, _ = io.WriteString(w, `{"vulns":[{"id":"GHSA-1"}],"next_page_token":"p2"}`)
			return
		}
		_, _ = io.WriteString(w, `{"vulns":[{"id":"PYSEC-2"}]}`)
	}))
	defer srv.Close()

	s := NewOSV(OSVConfig{BaseURL: srv.URL})
	q := Query{Package: "jinja2", Ecosystem: model.EcosystemPython}
	payload, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	vulns, err := s.Normalize(q, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 2)
	assert.Equal(t, "GHSA-1", vulns[0].ID)
	assert.Equal(t, "PYSEC-2", vulns[1].ID)
}

func TestOSV_Normalize(t *testing.T) {
	payload := []byte(`{"vulns":[
	  {
	    "id": "GHSA-h5c8-rqwp-cp95",
	    "aliases": ["CVE-2024-22195"],
	    "summary": "Jinja vulnerable to HTML attribute injection",
	    "published": "2024-01-11T15:20:48Z",
	    "severity": [{"type": "CVSS_V3", "score": "CVSS:3.1/AV:N/AC:L/PR:N/UI:N/S:U/C:H/I:H/A:H"}],
	    "affected": [{"ranges": [{"type": "ECOSYSTEM", "events": [{"introduced": "0"}, {"fixed": "3.1.3"}]}]}],
	    "references": [{"type": "EVIDENCE", "url": "https://example.com/writeup"}],
	    "database_specific": {"severity": "MODERATE"}
	  },
	  {"summary": "no id, skipped"}
	]}`)

	s := NewOSV(OSVConfig{})
	vulns, err := s.Normalize(Query{Package: "jinja2", Ecosystem: model.EcosystemPython}, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 1)

	v := vulns[0]
	assert.Equal(t, model.SourceOSV, v.Source)
	assert.Equal(t, []string{"CVE-2024-22195"}, v.Aliases)
	assert.Equal(t, severity.Medium, v.Severity)
	require.NotNil(t, v.CVSSScore)
	assert.InDelta(t, 9.8, *v.CVSSScore, 0.001)
	assert.Equal(t, []string{"3.1.3"}, v.FixedVersions)
	assert.Equal(t, "<3.1.3", v.AffectedVersions)
	require.NotNil(t, v.Published)
	assert.Equal(t, 2024, v.Published.Year())
	assert.True(t, v.KnownExploited)
}

func TestOSV_NormalizeMalformed(t *testing.T) {
	s := NewOSV(OSVConfig{})
	_, err := s.Normalize(Query{}, []byte(`not json`))
	assert.Equal(t, errors.KindMalformedResponse, errors.GetKind(err))
}

func TestOSV_UnsupportedEcosystem(t *testing.T) {
	s := NewOSV(OSVConfig{})
	assert.False(t, s.Supports("cobol"))
	_, err := s.Fetch(context.Background(), Query{Package: "x", Ecosystem: "cobol"})
	assert.Equal(t, errors.KindInvalidInput, errors.GetKind(err))
}

const nvdPayload = `{"vulnerabilities":[{"cve":{
  "id": "CVE-2021-23337",
  "published": "2021-02-15T13:15:12.560",
  "descriptions": [{"lang": "es", "value": "x"}, {"lang": "en", "value": "Lodash command injection via template."}],
  "metrics": {
    "cvssMetricV31": [{"cvssData": {"baseScore": 7.2, "baseSeverity": "HIGH"}}],
    "cvssMetricV2": [{"baseSeverity": "MEDIUM", "cvssData": {"baseScore": 6.5}}]
  },
  "configurations": [{"nodes": [{"cpeMatch": [
    {"vulnerable": true, "criteria": "cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*", "versionEndExcluding": "4.17.21"}
  ]}]}],
  "references": [{"url": "https://example.com/advisory", "tags": ["Exploit", "Third Party Advisory"]}]
}}]}`

func TestNVD_FetchSendsKeyAndKeyword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/json/cves/2.0", r.URL.Path)
		assert.Equal(t, "lodash", r.URL.Query().Get("keywordSearch"))
		assert.Equal(t, "secret", r.Header.Get("apiKey"))
		_, _ = io.WriteString(w, nvdPayload)
	}))
	defer srv.Close()

	s := NewNVD(NVDConfig{BaseURL: srv.URL})
	q := Query{Package: "lodash", Ecosystem: model.EcosystemNodeJS, APIKey: "secret"}
	payload, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)

	vulns, err := s.Normalize(q, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 1)

	v := vulns[0]
	assert.Equal(t, "CVE-2021-23337", v.ID)
	assert.Equal(t, "Lodash command injection via template.", v.Summary)
	assert.Equal(t, severity.High, v.Severity)
	require.NotNil(t, v.CVSSScore)
	assert.InDelta(t, 7.2, *v.CVSSScore, 0.001)
	assert.Equal(t, []string{"4.17.21"}, v.FixedVersions)
	assert.Equal(t, "<4.17.21", v.AffectedVersions)
	assert.True(t, v.KnownExploited)
	require.NotNil(t, v.Published)
	assert.Equal(t, time.February, v.Published.Month())
}

func TestNVD_NormalizeCVSSFallback(t *testing.T) {
	payload := []byte(`{"vulnerabilities":[
	  {"cve": {"id": "CVE-2019-0001", "metrics": {
	    "cvssMetricV30": [{"cvssData": {"baseScore": 8.1, "baseSeverity": "HIGH"}}],
	    "cvssMetricV2": [{"baseSeverity": "MEDIUM", "cvssData": {"baseScore": 5.0}}]
	  }}},
	  {"cve": {"id": "CVE-2012-0002", "metrics": {
	    "cvssMetricV2": [{"baseSeverity": "MEDIUM", "cvssData": {"baseScore": 4.3}}]
	  }}},
	  {"cve": {"id": "CVE-2012-0003", "metrics": {
	    "cvssMetricV2": [{"cvssData": {"baseScore": 9.3}}]
	  }}},
	  {"cve": {"id": "CVE-2024-0004"}},
	  {"cve": {"id": ""}}
	]}`)

	s := NewNVD(NVDConfig{})
	vulns, err := s.Normalize(Query{Package: "lodash"}, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 4)

	require.NotNil(t, vulns[0].CVSSScore)
	assert.InDelta(t, 8.1, *vulns[0].CVSSScore, 0.001, "v3.0 wins over v2")
	assert.Equal(t, severity.High, vulns[0].Severity)

	require.NotNil(t, vulns[1].CVSSScore)
	assert.InDelta(t, 4.3, *vulns[1].CVSSScore, 0.001)
	assert.Equal(t, severity.Medium, vulns[1].Severity)

	require.NotNil(t, vulns[2].CVSSScore)
	assert.Equal(t, severity.Critical, vulns[2].Severity, "severity derived from the v2 score")

	assert.Nil(t, vulns[3].CVSSScore)
	assert.Equal(t, severity.Unknown, vulns[3].Severity)
	assert.Equal(t, "CVE-2024-0004", vulns[3].Summary)
}

func TestNVD_NormalizeKeepsOnlyThePackagesCPEs(t *testing.T) {
	payload := []byte(`{"vulnerabilities":[{"cve":{
	  "id": "CVE-2021-9999",
	  "configurations": [{"nodes": [{"cpeMatch": [
	    {"vulnerable": true, "criteria": "cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*", "versionStartIncluding": "4.0.0", "versionEndExcluding": "4.17.21"},
	    {"vulnerable": true, "criteria": "cpe:2.3:a:acme:dashboard:*:*:*:*:*:*:*:*", "versionEndExcluding": "9.9.9"},
	    {"vulnerable": false, "criteria": "cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*", "versionEndExcluding": "5.0.0"},
	    {"vulnerable": true, "criteria": "cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*", "versionEndIncluding": "3.10.1"}
	  ]}]}]
	}}]}`)

	s := NewNVD(NVDConfig{})
	vulns, err := s.Normalize(Query{Package: "lodash", Ecosystem: model.EcosystemNodeJS}, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 1)

	assert.Equal(t, []string{"4.17.21"}, vulns[0].FixedVersions)
	assert.Equal(t, ">=4.0.0, <4.17.21 || <=3.10.1", vulns[0].AffectedVersions)
}

func TestCPENamesPackage(t *testing.T) {
	tests := []struct {
		criteria string
		pkg      string
		want     bool
	}{
		{"cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*", "lodash", true},
		{"cpe:2.3:a:lodash:lodash:*:*:*:*:*:node.js:*:*", "Lodash", true},
		{"cpe:2.3:a:palletsprojects:jinja2:*:*:*:*:*:*:*:*", "jinja2", true},
		{"cpe:2.3:a:python-dateutil_project:python_dateutil:*:*:*:*:*:*:*:*", "python-dateutil", true},
		{"cpe:2.3:a:gin-gonic:gin:*:*:*:*:*:go:*:*", "github.com/gin-gonic/gin", true},
		{"cpe:2.3:a:apache:log4j:*:*:*:*:*:*:*:*", "org.apache.logging.log4j:log4j-core", true},
		{"cpe:2.3:a:babel:core:*:*:*:*:*:*:*:*", "@babel/core", true},
		{"cpe:2.3:a:acme:dashboard:*:*:*:*:*:*:*:*", "lodash", false},
		{"cpe:2.3:a:lodash:lodash-cli:*:*:*:*:*:*:*:*", "lodash", false},
		{"cpe:2.3:a:vendor:*:*:*:*:*:*:*:*:*", "lodash", true},
		{"", "lodash", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, cpeNamesPackage(tt.criteria, tt.pkg), "%s vs %s", tt.criteria, tt.pkg)
	}
}

func TestBaseSource_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status    int
		kind      errors.Kind
		retryable bool
	}{
		{http.StatusTooManyRequests, errors.KindRateLimited, true},
		{http.StatusServiceUnavailable, errors.KindSourceUnavailable, true},
		{http.StatusForbidden, errors.KindSourceUnavailable, false},
		{http.StatusNotFound, errors.KindNotFound, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			s := NewNVD(NVDConfig{BaseURL: srv.URL, RateLimit: -1})
			_, err := s.Fetch(context.Background(), Query{Package: "lodash"})
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.GetKind(err))
			assert.Equal(t, tt.retryable, errors.IsRetryable(err))
		})
	}
}

func TestBaseSource_DeadlineIsTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	s := NewOSV(OSVConfig{BaseURL: srv.URL})
	_, err := s.Fetch(ctx, Query{Package: "x", Ecosystem: model.EcosystemNodeJS})
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "got %v", err)
	assert.True(t, errors.IsRetryable(err))
}

func TestBaseSource_AdmittedSkipsLimiterOnce(t *testing.T) {
	b := NewBaseSource(BaseConfig{Name: model.SourceNVD, RateLimit: 1, Burst: 1})
	require.NoError(t, b.WaitForRateLimit(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	admitted := Admitted(ctx)

	assert.NoError(t, b.WaitForRateLimit(admitted))

	err := b.WaitForRateLimit(admitted)
	require.Error(t, err)
	assert.Equal(t, errors.KindSourceUnavailable, errors.GetKind(err))
	assert.False(t, errors.IsRetryable(err))
	assert.False(t, errors.IsTimeout(err))
}

func TestBaseSource_SourcesAreLimited(t *testing.T) {
	var _ Limited = NewNVD(NVDConfig{})
	var _ Limited = NewOSV(OSVConfig{})
	var _ Limited = NewGitHub(GitHubConfig{})
}

const githubPayload = `[{
  "ghsa_id": "GHSA-2j2x-hx4g-2gf4",
  "cve_id": "CVE-2023-30608",
  "summary": "sqlparse ReDoS",
  "severity": "medium",
  "cvss": {"score": 5.3},
  "identifiers": [{"type": "GHSA", "value": "GHSA-2j2x-hx4g-2gf4"}, {"type": "CVE", "value": "CVE-2023-30608"}],
  "published_at": "2023-04-21T16:42:00Z",
  "references": ["https://github.com/advisories/GHSA-2j2x-hx4g-2gf4"],
  "vulnerabilities": [
    {"package": {"ecosystem": "pip", "name": "sqlparse"}, "vulnerable_version_range": ">= 0.1.15, < 0.4.4", "first_patched_version": "0.4.4"},
    {"package": {"ecosystem": "pip", "name": "other"}, "vulnerable_version_range": "< 9", "first_patched_version": "9.0.0"}
  ]
}]`

func TestGitHub_FetchAndNormalize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/advisories", r.URL.Path)
		assert.Equal(t, "pip", r.URL.Query().Get("ecosystem"))
		assert.Equal(t, "sqlparse", r.URL.Query().Get("affects"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, githubPayload)
	}))
	defer srv.Close()

	s := NewGitHub(GitHubConfig{BaseURL: srv.URL})
	q := Query{Package: "sqlparse", Ecosystem: model.EcosystemPython, APIKey: "tok"}
	payload, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)

	vulns, err := s.Normalize(q, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 1)

	v := vulns[0]
	assert.Equal(t, "GHSA-2j2x-hx4g-2gf4", v.ID)
	assert.Equal(t, []string{"CVE-2023-30608"}, v.Aliases)
	assert.Equal(t, severity.Medium, v.Severity)
	require.NotNil(t, v.CVSSScore)
	assert.InDelta(t, 5.3, *v.CVSSScore, 0.001)
	assert.Equal(t, []string{"0.4.4"}, v.FixedVersions)
	assert.Equal(t, ">= 0.1.15, < 0.4.4", v.AffectedVersions)
	assert.False(t, v.KnownExploited)
}

func TestGitHub_AnonymousWithoutToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `[]`)
	}))
	defer srv.Close()

	s := NewGitHub(GitHubConfig{BaseURL: srv.URL})
	payload, err := s.Fetch(context.Background(), Query{Package: "left-pad", Ecosystem: model.EcosystemNodeJS})
	require.NoError(t, err)
	vulns, err := s.Normalize(Query{}, payload)
	require.NoError(t, err)
	assert.Empty(t, vulns)
}

func TestRegistry_PyPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pypi/requests/json", r.URL.Path)
		_, _ = io.WriteString(w, `{"info":{},"vulnerabilities":[
		  {"id":"PYSEC-2023-74","aliases":["CVE-2023-32681"],"details":"Proxy-Authorization leak\nmore","fixed_in":["2.31.0"],"link":"https://osv.dev/vulnerability/PYSEC-2023-74","withdrawn":null},
		  {"id":"PYSEC-2020-1","withdrawn":"2021-01-01T00:00:00Z"}
		]}`)
	}))
	defer srv.Close()

	s := NewRegistry(RegistryConfig{PyPIBaseURL: srv.URL})
	q := Query{Package: "requests", Ecosystem: model.EcosystemPython}
	payload, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)

	vulns, err := s.Normalize(q, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, "PYSEC-2023-74", vulns[0].ID)
	assert.Equal(t, "Proxy-Authorization leak", vulns[0].Summary)
	assert.Equal(t, []string{"2.31.0"}, vulns[0].FixedVersions)
	assert.Equal(t, model.SourceRegistry, vulns[0].Source)
}

func TestRegistry_NPMBulk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/-/npm/v1/security/advisories/bulk", r.URL.Path)
		var body map[string][]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"4.17.20"}, body["lodash"])
		_, _ = io.WriteString(w, `{"lodash":[{"id":1106913,"url":"https://github.com/advisories/GHSA-35jh-r3h4-6jhm","title":"Command Injection in lodash","severity":"high","vulnerable_versions":"<4.17.21","cvss":{"score":7.2}}]}`)
	}))
	defer srv.Close()

	s := NewRegistry(RegistryConfig{NPMBaseURL: srv.URL})
	q := Query{Package: "lodash", Ecosystem: model.EcosystemNodeJS, Version: "4.17.20"}
	assert.Equal(t, "lodash@4.17.20", s.CachePackage(q))

	payload, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)
	vulns, err := s.Normalize(q, payload)
	require.NoError(t, err)
	require.Len(t, vulns, 1)
	assert.Equal(t, "GHSA-35jh-r3h4-6jhm", vulns[0].ID)
	assert.Equal(t, severity.High, vulns[0].Severity)
	assert.Equal(t, "<4.17.21", vulns[0].AffectedVersions)
}

func TestRegistry_OtherEcosystemsAreEmpty(t *testing.T) {
	s := NewRegistry(RegistryConfig{})
	q := Query{Package: "serde", Ecosystem: model.EcosystemRust}
	payload, err := s.Fetch(context.Background(), q)
	require.NoError(t, err)
	vulns, err := s.Normalize(q, payload)
	require.NoError(t, err)
	assert.Empty(t, vulns)
}

func TestHasExploitReference(t *testing.T) {
	assert.True(t, HasExploitReference([]string{"https://www.exploit-db.com/exploits/1"}))
	assert.True(t, HasExploitReference([]string{"https://github.com/x/CVE-2024-1-PoC"}))
	assert.True(t, HasExploitReference([]string{"https://blog/proof-of-concept"}))
	assert.False(t, HasExploitReference([]string{"https://nvd.nist.gov/vuln/detail/CVE-2024-1"}))
}

func TestBuild(t *testing.T) {
	srcs, err := Build([]string{"osv", "GitHub"}, Options{})
	require.NoError(t, err)
	require.Len(t, srcs, 2)
	assert.Equal(t, model.SourceOSV, srcs[0].Name())
	assert.Equal(t, model.SourceGitHub, srcs[1].Name())

	_, err = Build([]string{"osv", "snyk"}, Options{})
	assert.True(t, errors.IsConfiguration(err))

	_, err = Build([]string{"osv", "osv"}, Options{})
	assert.True(t, errors.IsConfiguration(err))
}

func TestAvailable(t *testing.T) {
	infos := Available()
	require.Len(t, infos, len(model.AllSources()))
	assert.Equal(t, model.SourceGitHub, infos[0].Name)
	for _, info := range infos {
		assert.NotEmpty(t, info.Ecosystems, info.Name)
	}
}
