package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/exploopio/deprisk/pkg/core"
	"github.com/exploopio/deprisk/pkg/errors"
	"github.com/exploopio/deprisk/pkg/health"
	"github.com/exploopio/deprisk/pkg/model"
)

func isolateEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{"GITHUB_TOKEN", "NVD_API_KEY", "DRP_GITHUB_TOKEN", "DRP_NVD_API_KEY", "DRP_WORKERS", "DRP_SOURCES_ENABLED", "DRP_CACHE_PATH", "DRP_CACHE_DISABLED", "DRP_DISABLE_CACHE", "DRP_LOG_LEVEL"} {
		t.Setenv(name, "")
	}
}

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestSourcesCommand(t *testing.T) {
	out, err := execute(t, "", "sources")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	for _, name := range []string{"github", "nvd", "osv", "registry"} {
		assert.Contains(t, out, name)
	}
}

func TestConfigCommand(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DRP_WORKERS", "3")
	t.Setenv("DRP_GITHUB_TOKEN", "ghp_secret")

	out, err := execute(t, "", "config")
	require.NoError(t, err)
	assert.Contains(t, out, "workers: 3")
	assert.NotContains(t, out, "ghp_secret")
}

func TestConfigCommand_InvalidIsFatal(t *testing.T) {
	isolateEnv(t)
	t.Setenv("DRP_WORKERS", "0")

	_, err := execute(t, "", "config")
	require.Error(t, err)
	assert.Equal(t, errors.KindConfiguration, errors.GetKind(err))
	assert.Equal(t, 2, exitCode(err))
}

func TestScanCommand_UnknownEcosystem(t *testing.T) {
	isolateEnv(t)
	_, err := execute(t, "[]", "scan", "--manifest-path", "x", "--ecosystem", "cobol")
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
}

func TestScanCommand_EndToEnd(t *testing.T) {
	isolateEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"vulns":[{"id":"PYSEC-2024-1","summary":"bad","severity":[{"type":"CVSS_V3","score":"7.5"}]}]}`)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "deprisk.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
log_level: silent
cache:
  disabled: true
kev:
  enabled: false
sources:
  enabled: [osv]
  base_urls:
    osv: `+srv.URL+`
`), 0o600))

	input := `[{"name":"jinja2","installed_version":"3.1.2"},{"name":"click","installed_version":"8.1.7"}]`
	out, err := execute(t, input, "--config", cfgPath, "scan", "--manifest-path", "requirements.txt", "--ecosystem", "python")
	require.NoError(t, err)

	var profile model.ProjectRiskProfile
	require.NoError(t, json.Unmarshal([]byte(out), &profile))
	assert.Equal(t, "requirements.txt", profile.ManifestPath)
	require.Len(t, profile.Dependencies, 2)
	assert.Equal(t, "jinja2", profile.Dependencies[0].Dependency.Name)
	assert.Len(t, profile.Dependencies[0].Vulnerabilities, 1)
	assert.Equal(t, 2, profile.Summary.Total)
}

type fakeRunner struct {
	err error
	got []model.DependencyMetadata
}

func (f *fakeRunner) Run(ctx context.Context, manifestPath string, eco model.Ecosystem, deps []model.DependencyMetadata) (*model.ProjectRiskProfile, error) {
	f.got = deps
	if f.err != nil {
		return nil, f.err
	}
	return &model.ProjectRiskProfile{ManifestPath: manifestPath, Ecosystem: eco}, nil
}

func TestRouter(t *testing.T) {
	runner := &fakeRunner{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "deprisk_source_fetches_total 1\n")
	})
	healthz := health.NewHandler(health.WithVersion(appVersion))
	healthz.Register(health.CheckFunc("source:nvd", func(context.Context) health.CheckResult {
		return health.CheckResult{Status: health.StatusDegraded}
	}))
	h := newRouter(runner, metricsHandler, healthz, &core.NopLogger{})

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		status   int
		contains string
	}{
		{"health", http.MethodGet, "/healthz", "", http.StatusOK, `"status":"degraded"`},
		{"liveness", http.MethodGet, "/livez", "", http.StatusOK, `"status":"healthy"`},
		{"metrics", http.MethodGet, "/metrics", "", http.StatusOK, "deprisk_source_fetches_total"},
		{"profile", http.MethodPost, "/v1/profiles/nodejs?manifest_path=package.json", `[{"name":"lodash","installed_version":"4.17.21"}]`, http.StatusOK, `"manifest_path":"package.json"`},
		{"unknown ecosystem", http.MethodPost, "/v1/profiles/cobol?manifest_path=x", `[]`, http.StatusBadRequest, "unknown ecosystem"},
		{"missing manifest", http.MethodPost, "/v1/profiles/python", `[]`, http.StatusBadRequest, "manifest_path"},
		{"bad body", http.MethodPost, "/v1/profiles/python?manifest_path=x", `{`, http.StatusBadRequest, "invalid dependency metadata"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.contains)
		})
	}
	require.Len(t, runner.got, 1)
	assert.Equal(t, "lodash", runner.got[0].Name)
}

func TestRouter_RunFailure(t *testing.T) {
	runner := &fakeRunner{err: errors.E(errors.KindTimeout, "profiler.Run", "interrupted")}
	h := newRouter(runner, http.NotFoundHandler(), health.NewHandler(), &core.NopLogger{})

	req := httptest.NewRequest(http.MethodPost, "/v1/profiles/python?manifest_path=x", strings.NewReader(`[]`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
