package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	apperr "github.com/alexjbarnes/filepicker-bridge/internal/errors"
)

// Params are the per-page parameters the embedding iframe passes on the
// bridge URL.
type Params struct {
	// Origin is the claimed embedding origin, not yet validated.
	Origin     string
	Debug      bool
	PublicLink bool
	// PublicLinkDuration is in days.
	PublicLinkDuration int
	// Session scopes the stored credential lookup.
	Session string
}

// ParseParams reads origin, debug, publicLink, publicLinkDuration and
// session from q. Missing origin or session and malformed values fail with
// ErrConfig. defaultDuration applies when publicLinkDuration is absent.
func ParseParams(q url.Values, defaultDuration int) (Params, error) {
	p := Params{
		Origin:             strings.TrimSpace(q.Get("origin")),
		Session:            strings.TrimSpace(q.Get("session")),
		PublicLinkDuration: defaultDuration,
	}

	if p.Origin == "" {
		return Params{}, fmt.Errorf("%w: origin query parameter is required", apperr.ErrConfig)
	}

	if p.Session == "" {
		return Params{}, fmt.Errorf("%w: session query parameter is required", apperr.ErrConfig)
	}

	var err error
	if p.Debug, err = parseFlag(q, "debug"); err != nil {
		return Params{}, err
	}

	if p.PublicLink, err = parseFlag(q, "publicLink"); err != nil {
		return Params{}, err
	}

	if raw := strings.TrimSpace(q.Get("publicLinkDuration")); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days < 1 {
			return Params{}, fmt.Errorf("%w: publicLinkDuration must be a positive number of days, got %q", apperr.ErrConfig, raw)
		}

		p.PublicLinkDuration = days
	}

	return p, nil
}

func parseFlag(q url.Values, name string) (bool, error) {
	raw := strings.TrimSpace(q.Get(name))
	if raw == "" {
		return false, nil
	}

	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%w: %s must be a boolean, got %q", apperr.ErrConfig, name, raw)
	}

	return v, nil
}
