// Package model defines the records that flow through deprisk: dependency
// metadata from the parser layer, normalized vulnerabilities, and the score
// and profile value objects handed to formatters.
package model

import (
	"net/url"
	"strings"
)

// Ecosystem identifies a package ecosystem.
type Ecosystem string

const (
	EcosystemPython Ecosystem = "python"
	EcosystemNodeJS Ecosystem = "nodejs"
	EcosystemGolang Ecosystem = "golang"
	EcosystemMaven  Ecosystem = "maven"
	EcosystemNuGet  Ecosystem = "nuget"
	EcosystemRuby   Ecosystem = "ruby"
	EcosystemPHP    Ecosystem = "php"
	EcosystemRust   Ecosystem = "rust"
)

// AllEcosystems returns the supported ecosystems.
func AllEcosystems() []Ecosystem {
	return []Ecosystem{
		EcosystemPython, EcosystemNodeJS, EcosystemGolang, EcosystemMaven,
		EcosystemNuGet, EcosystemRuby, EcosystemPHP, EcosystemRust,
	}
}

// ParseEcosystem accepts the canonical tag or a common alias.
func ParseEcosystem(s string) (Ecosystem, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "python", "pypi", "pip":
		return EcosystemPython, true
	case "nodejs", "node", "npm", "javascript":
		return EcosystemNodeJS, true
	case "golang", "go":
		return EcosystemGolang, true
	case "maven", "java":
		return EcosystemMaven, true
	case "nuget", "dotnet":
		return EcosystemNuGet, true
	case "ruby", "rubygems", "gem":
		return EcosystemRuby, true
	case "php", "composer", "packagist":
		return EcosystemPHP, true
	case "rust", "cargo", "crates.io":
		return EcosystemRust, true
	default:
		return "", false
	}
}

var hostEcosystems = []struct {
	fragment  string
	ecosystem Ecosystem
}{
	{"npmjs", EcosystemNodeJS},
	{"pypi", EcosystemPython},
	{"pkg.go.dev", EcosystemGolang},
	{"golang.org", EcosystemGolang},
	{"proxy.golang", EcosystemGolang},
	{"maven", EcosystemMaven},
	{"nuget", EcosystemNuGet},
	{"rubygems", EcosystemRuby},
	{"packagist", EcosystemPHP},
	{"crates.io", EcosystemRust},
}

// InferEcosystem guesses the ecosystem from a registry or repository URL.
func InferEcosystem(rawURL string) (Ecosystem, bool) {
	if rawURL == "" {
		return "", false
	}
	host := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = strings.ToLower(u.Host)
	}
	for _, h := range hostEcosystems {
		if strings.Contains(host, h.fragment) {
			return h.ecosystem, true
		}
	}
	return "", false
}

// SourceName tags the advisory provider a vulnerability came from.
type SourceName string

const (
	SourceOSV      SourceName = "osv"
	SourceNVD      SourceName = "nvd"
	SourceGitHub   SourceName = "github"
	SourceRegistry SourceName = "registry"
)

// AllSources returns every known advisory source tag.
func AllSources() []SourceName {
	return []SourceName{SourceOSV, SourceNVD, SourceGitHub, SourceRegistry}
}

// ParseSource validates a source tag.
func ParseSource(s string) (SourceName, bool) {
	name := SourceName(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range AllSources() {
		if name == known {
			return name, true
		}
	}
	return "", false
}
