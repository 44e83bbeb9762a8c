package robots

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/temoto/robotstxt"
)

// Policy is the parsed robots.txt of one origin.
type Policy struct {
	origin   string
	data     *robotstxt.RobotsData
	fallback bool
}

// Origin returns the scheme://host[:port] the policy belongs to.
func (p *Policy) Origin() string {
	if p == nil {
		return ""
	}
	return p.origin
}

// Fallback reports whether the policy is the permit-all default installed
// after robots.txt could not be retrieved or parsed.
func (p *Policy) Fallback() bool {
	return p == nil || p.fallback
}

// Allows reports whether userAgent may fetch the given path and query.
func (p *Policy) Allows(userAgent, pathQuery string) bool {
	if p == nil || p.data == nil {
		return true
	}
	if pathQuery == "" {
		pathQuery = "/"
	}
	return p.data.TestAgent(pathQuery, userAgent)
}

func permitAll(origin string) *Policy {
	return &Policy{origin: origin, fallback: true}
}

// OriginOf derives the cache key for a URL: lower-cased scheme and host,
// port kept when present.
func OriginOf(u *url.URL) (string, error) {
	if u == nil || u.Scheme == "" || u.Host == "" {
		return "", errors.New("url has no scheme or host")
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), nil
}

// normalizeOrigin reduces any URL or origin spelling to the OriginOf key.
// Input that does not parse is lower-cased with trailing slashes removed.
func normalizeOrigin(origin string) string {
	origin = strings.TrimSpace(origin)
	if u, err := url.Parse(origin); err == nil {
		if key, err := OriginOf(u); err == nil {
			return key
		}
	}
	return strings.TrimRight(strings.ToLower(origin), "/")
}

// target parses rawURL and returns its origin plus the path+query that
// robots rules are matched against.
func target(rawURL string) (string, string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", "", fmt.Errorf("parse url: %w", err)
	}
	origin, err := OriginOf(parsed)
	if err != nil {
		return "", "", err
	}
	return origin, parsed.RequestURI(), nil
}
