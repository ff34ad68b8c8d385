// Package navigation decides which URLs the primary surface may load and
// cleans tracking parameters from the ones it does.
package navigation

import (
	"net/url"
	"strings"

	"github.com/samber/lo"
)

// DefaultAllowed are the hosts (and their subdomains) the site needs.
var DefaultAllowed = []string{
	"x.com",
	"twitter.com",
	"abs.twimg.com",
	"pbs.twimg.com",
	"video.twimg.com",
	"t.co",
	"api.twitter.com",
	"upload.twitter.com",
	"ton.twitter.com",
	"syndication.twitter.com",
}

// DefaultBlocked are ad and telemetry hosts refused even though they fall
// under an allowed domain.
var DefaultBlocked = []string{
	"ads.twitter.com",
	"analytics.twitter.com",
	"scribe.twitter.com",
	"telemetry.twitter.com",
}

// DefaultRedirectors are allowed hosts that only forward elsewhere. A page
// on one of them is never a place to return to.
var DefaultRedirectors = []string{"t.co"}

// TrackingParams are query parameters Sanitize removes.
var TrackingParams = []string{
	"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
	"ref_src", "ref_url", "s", "src", "twclid", "gclid", "fbclid",
}

// Policy is a host allow list with a block list that takes precedence.
type Policy struct {
	Allowed     []string
	Blocked     []string
	Redirectors []string
}

// DefaultPolicy returns the policy for x.com.
func DefaultPolicy() Policy {
	return Policy{Allowed: DefaultAllowed, Blocked: DefaultBlocked, Redirectors: DefaultRedirectors}
}

// IsValidURL reports whether raw is an absolute http or https URL.
func IsValidURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsAllowed reports whether raw may load in the primary surface. A host
// containing a blocked entry is refused; otherwise it must equal an allowed
// entry or be a subdomain of one.
func (p Policy) IsAllowed(raw string) bool {
	if !IsValidURL(raw) {
		return false
	}
	u, _ := url.Parse(raw)
	host := strings.ToLower(u.Hostname())

	if lo.SomeBy(p.Blocked, func(blocked string) bool {
		return strings.Contains(host, strings.ToLower(blocked))
	}) {
		return false
	}
	return lo.SomeBy(p.Allowed, func(allowed string) bool {
		allowed = strings.ToLower(allowed)
		return host == allowed || strings.HasSuffix(host, "."+allowed)
	})
}

// IsRedirector reports whether raw is on a redirector host.
func (p Policy) IsRedirector(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return lo.SomeBy(p.Redirectors, func(r string) bool {
		return host == strings.ToLower(r)
	})
}

// Sanitize removes tracking parameters from raw. Unparseable input is
// returned unchanged.
func (p Policy) Sanitize(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	query := u.Query()
	present := lo.Filter(TrackingParams, func(param string, _ int) bool {
		return query.Has(param)
	})
	if len(present) == 0 {
		return raw
	}
	for _, param := range present {
		query.Del(param)
	}
	u.RawQuery = query.Encode()
	return u.String()
}
