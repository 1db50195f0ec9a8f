// Package sources implements the advisory source clients. Each client
// fetches a raw payload for a (package, ecosystem) pair and normalizes it
// into model.Vulnerability records. The raw payload is what the response
// cache stores, so a cache hit replays Normalize without touching the network.
package sources

import (
	"context"
	"strings"
	"time"

	"github.com/exploopio/deprisk/pkg/model"
)

// Query identifies the package to look up.
type Query struct {
	Package   string
	Ecosystem model.Ecosystem

	// Version is informational; payloads are cached per package, not per version.
	Version string

	// APIKey is the credential for this source, if any.
	APIKey string
}

// Source is implemented by every advisory provider.
type Source interface {
	// Name returns the source tag.
	Name() model.SourceName

	// Supports reports whether the source covers the ecosystem.
	Supports(eco model.Ecosystem) bool

	// Fetch returns the raw response payload.
	Fetch(ctx context.Context, q Query) ([]byte, error)

	// Normalize maps a payload into vulnerabilities. Records missing required
	// fields are skipped; an undecodable payload is a KindMalformedResponse error.
	Normalize(q Query, payload []byte) ([]model.Vulnerability, error)
}

var exploitTerms = []string{"exploit", "poc", "proof-of-concept", "proof_of_concept"}

// HasExploitReference reports whether any reference URL points at exploit code.
func HasExploitReference(refs []string) bool {
	for _, ref := range refs {
		lower := strings.ToLower(ref)
		for _, term := range exploitTerms {
			if strings.Contains(lower, term) {
				return true
			}
		}
	}
	return false
}

// parseTime accepts the timestamp layouts advisory APIs emit.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.000",
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func appendUnique(list []string, values ...string) []string {
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

// PackageScoper is implemented by sources whose payload depends on more
// than the package name. The returned string replaces the package name in
// the response cache key.
type PackageScoper interface {
	CachePackage(q Query) string
}

// Limited is implemented by sources with a client-side rate limiter. Callers
// that bound each request with a short deadline wait for admission first,
// on their own context, and pass the admission on with Admitted.
type Limited interface {
	WaitForRateLimit(ctx context.Context) error
}
