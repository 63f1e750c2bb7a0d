// Package origin decides whether a claimed embedding origin may receive
// selection results. Allow-list entries are exact origins or patterns
// where '*' matches any run of characters.
package origin

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
)

// wildcardRun matches one or more consecutive wildcards so "a**b" and
// "a*b" compile to the same pattern.
var wildcardRun = regexp.MustCompile(`\*+`)

// Normalize reduces raw to scheme://host[:port]. Path, query and fragment
// are discarded, scheme and host are lowercased, and the scheme's default
// port is omitted.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("%w: origin is required", apperr.ErrConfig)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: parsing origin: %v", apperr.ErrConfig, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("%w: origin %q is not an absolute URL", apperr.ErrConfig, raw)
	}

	scheme, host := strings.ToLower(u.Scheme), strings.ToLower(u.Host)
	if port := u.Port(); defaultPorts[scheme] == port {
		host = strings.TrimSuffix(host, ":"+port)
	}

	return scheme + "://" + host, nil
}

// defaultPorts are dropped from normalized origins, matching the
// browser's serialization of an origin.
var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
}

// Compile turns an allow-list entry into an anchored regular expression.
// Literal segments are quoted, so only '*' has special meaning.
func Compile(pattern string) *regexp.Regexp {
	segments := wildcardRun.Split(pattern, -1)
	for i, s := range segments {
		segments[i] = regexp.QuoteMeta(s)
	}

	return regexp.MustCompile("^" + strings.Join(segments, ".*") + "$")
}

// Validator holds the compiled allow-list. It is read-only after
// construction and safe for concurrent use.
type Validator struct {
	patterns []*regexp.Regexp
	raw      []string
}

// NewValidator compiles every allow-list entry. Empty entries are skipped;
// an empty list rejects every origin.
func NewValidator(allowList []string) *Validator {
	v := &Validator{}

	for _, entry := range allowList {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		v.patterns = append(v.patterns, Compile(entry))
		v.raw = append(v.raw, entry)
	}

	return v
}

// Len returns the number of usable allow-list entries.
func (v *Validator) Len() int {
	return len(v.patterns)
}

// Allowed reports whether an already normalized origin fully matches at
// least one entry.
func (v *Validator) Allowed(normalized string) bool {
	for _, p := range v.patterns {
		if p.MatchString(normalized) {
			return true
		}
	}

	return false
}

// Validate normalizes claimed and checks it against the allow-list.
// It fails with ErrConfig when claimed is missing or malformed and with
// ErrSecurity when nothing matches.
func (v *Validator) Validate(claimed string) (string, error) {
	normalized, err := Normalize(claimed)
	if err != nil {
		return "", err
	}

	if !v.Allowed(normalized) {
		return "", fmt.Errorf("%w: %s", apperr.ErrSecurity, normalized)
	}

	return normalized, nil
}
