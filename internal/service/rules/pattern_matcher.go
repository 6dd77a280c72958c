package rules

import (
	"path/filepath"
	"strings"

	"golang.org/x/net/publicsuffix"

	"github.com/target/merrymaker-core/internal/domain/model"
)

// PatternMatcher matches domains against allow-list patterns.
type PatternMatcher struct{}

// NewPatternMatcher creates a PatternMatcher.
func NewPatternMatcher() *PatternMatcher {
	return &PatternMatcher{}
}

// Match reports whether domain matches pattern under the given type. Both
// sides are lowercased and trimmed first. Unknown types match exactly.
func (pm *PatternMatcher) Match(domain, pattern string, patternType model.PatternType) bool {
	domain = strings.ToLower(strings.TrimSpace(domain))
	pattern = strings.ToLower(strings.TrimSpace(pattern))

	if domain == "" || pattern == "" {
		return false
	}

	switch patternType {
	case model.PatternTypeWildcard:
		return pm.matchWildcard(domain, pattern)
	case model.PatternTypeGlob:
		return pm.matchGlob(domain, pattern)
	case model.PatternTypeETLDPlusOne:
		return pm.matchETLDPlusOne(domain, pattern)
	case model.PatternTypeExact:
		return domain == pattern
	default:
		return domain == pattern
	}
}

// matchWildcard handles `*.example.com` style patterns. The base domain
// itself matches, and so does any subdomain on a label boundary.
func (pm *PatternMatcher) matchWildcard(domain, pattern string) bool {
	if domain == pattern {
		return true
	}
	base, ok := strings.CutPrefix(pattern, "*.")
	if !ok || base == "" {
		return false
	}
	if domain == base {
		return true
	}
	return strings.HasSuffix(domain, "."+base)
}

func (pm *PatternMatcher) matchGlob(domain, pattern string) bool {
	matched, err := filepath.Match(pattern, domain)
	if err != nil {
		// Invalid glob degrades to exact.
		return domain == pattern
	}
	return matched
}

// matchETLDPlusOne matches when both sides share the same registrable
// domain, so `example.com` covers `deep.sub.example.com`.
func (pm *PatternMatcher) matchETLDPlusOne(domain, pattern string) bool {
	if domain == pattern {
		return true
	}
	d := pm.extractETLDPlusOne(domain)
	p := pm.extractETLDPlusOne(pattern)
	return d != "" && d == p
}

func (pm *PatternMatcher) extractETLDPlusOne(domain string) string {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return ""
	}
	return etld1
}

// MatchAny reports whether domain matches any enabled entry.
func (pm *PatternMatcher) MatchAny(domain string, entries []model.DomainAllowlist) bool {
	for i := range entries {
		entry := &entries[i]
		if !entry.Enabled {
			continue
		}
		if pm.Match(domain, entry.Pattern, entry.PatternType) {
			return true
		}
	}
	return false
}

// ValidatePattern checks a pattern is syntactically usable for its type.
// Only glob patterns can actually be malformed; the other types accept any
// string and simply may never match.
func (pm *PatternMatcher) ValidatePattern(pattern string, patternType model.PatternType) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil
	}
	if patternType == model.PatternTypeGlob {
		_, err := filepath.Match(pattern, "test.example.com")
		return err
	}
	return nil
}
