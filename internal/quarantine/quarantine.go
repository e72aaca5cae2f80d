// Package quarantine screens operator-supplied free text before it reaches
// an agent: URLs must resolve to allowlisted hosts over safe schemes, and
// the text must not carry injection-like instructions.
package quarantine

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var urlRe = regexp.MustCompile(`https?://[^\s<>()"']+`)

// trailingPunct is stripped from extracted URLs; prose tends to glue
// punctuation onto the end of a link.
const trailingPunct = "),.;:!?"

// injectionPatterns match against the lowercased text. The pattern source
// is embedded in the violation tag so the operator sees what tripped.
var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`ignore\s+((all|previous)\s+)+instructions`),
	regexp.MustCompile(`do\s+not\s+follow\s+system`),
	regexp.MustCompile(`curl\s+.+\|\s*(sh|bash)`),
	regexp.MustCompile(`wget\s+.+\|\s*(sh|bash)`),
	regexp.MustCompile(`reveal\s+.+(api[_-]?key|private[_-]?key|seed|mnemonic|token|password|secret)`),
}

// localHosts are exempt from the insecure-http check.
var localHosts = map[string]bool{"localhost": true, "127.0.0.1": true}

// Screen validates free text against a host allowlist.
type Screen struct {
	enabled      bool
	allowedHosts []string
}

// New returns a Screen. When disabled it accepts everything.
func New(enabled bool, allowedHosts []string) *Screen {
	return &Screen{enabled: enabled, allowedHosts: allowedHosts}
}

// Violations returns the violation tags found in text; an empty result
// means the text is accepted.
func (s *Screen) Violations(text string) []string {
	if !s.enabled {
		return nil
	}

	var violations []string
	for _, match := range urlRe.FindAllString(text, -1) {
		cleaned := strings.TrimRight(match, trailingPunct)
		parsed, err := url.Parse(cleaned)
		if err != nil {
			violations = append(violations, "invalid_url:"+cleaned)
			continue
		}
		host := strings.ToLower(parsed.Hostname())
		if host == "" {
			violations = append(violations, "missing_host:"+cleaned)
			continue
		}
		if parsed.Scheme == "http" && !localHosts[host] {
			violations = append(violations, "insecure_http_url:"+cleaned)
			continue
		}
		if !s.hostAllowed(host) {
			violations = append(violations, "host_not_allowlisted:"+host)
		}
	}

	lowered := strings.ToLower(text)
	for _, pat := range injectionPatterns {
		if pat.MatchString(lowered) {
			violations = append(violations, "blocked_pattern:"+pat.String())
		}
	}
	return violations
}

// hostAllowed matches by exact equality or dot-suffix against the allowlist,
// so "docs.github.com" passes an allowlist entry of "github.com".
func (s *Screen) hostAllowed(host string) bool {
	h := strings.ToLower(strings.TrimSpace(host))
	if h == "" {
		return false
	}
	for _, allow := range s.allowedHosts {
		a := strings.ToLower(strings.TrimSpace(allow))
		if a == "" {
			continue
		}
		if h == a || strings.HasSuffix(h, fmt.Sprintf(".%s", a)) {
			return true
		}
	}
	return false
}
