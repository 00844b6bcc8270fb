// Package urlkey derives domains and normalized URL keys used for dedup and
// the intent cache.
package urlkey

import (
	"net/url"
	"path"
	"strings"
)

// trackingParams are dropped from normalized keys. Any parameter starting
// with "utm_" is dropped as well.
var trackingParams = map[string]struct{}{
	"gclid":   {},
	"dclid":   {},
	"fbclid":  {},
	"msclkid": {},
	"yclid":   {},
	"igshid":  {},
	"mc_cid":  {},
	"mc_eid":  {},
	"ref":     {},
	"ref_src": {},
	"source":  {},
	"_ga":     {},
	"_gl":     {},
	"_hsenc":  {},
	"_hsmi":   {},
	"spm":     {},
}

// IsTrackingParam reports whether name is stripped from normalized keys.
func IsTrackingParam(name string) bool {
	name = strings.ToLower(name)
	if strings.HasPrefix(name, "utm_") {
		return true
	}
	_, ok := trackingParams[name]
	return ok
}

// Normalize returns the key used to compare URLs: lowercase host, no
// fragment, no tracking params, no trailing slash, trimmed.
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		s := strings.ToLower(raw)
		if i := strings.IndexByte(s, '#'); i >= 0 {
			s = s[:i]
		}
		return strings.TrimSpace(strings.TrimRight(s, "/"))
	}

	u.Fragment = ""
	u.RawFragment = ""
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			if IsTrackingParam(name) {
				q.Del(name)
			}
		}
		u.RawQuery = q.Encode()
	}

	s := u.String()
	if u.RawQuery == "" {
		s = strings.TrimRight(s, "/")
	} else {
		base, query, _ := strings.Cut(s, "?")
		s = strings.TrimRight(base, "/") + "?" + query
	}
	return strings.TrimSpace(s)
}

// Host returns the lowercase hostname of raw, or "" when raw has none.
func Host(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Domain returns the card domain for raw: the hostname without "www.".
func Domain(raw string) string {
	return strings.TrimPrefix(Host(raw), "www.")
}

// SecondLevel returns the label just left of the public suffix, e.g.
// "google" for "docs.google.com" and "bbc" for "www.bbc.co.uk".
func SecondLevel(domain string) string {
	labels := strings.Split(strings.Trim(domain, "."), ".")
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	i := len(labels) - 2
	if len(labels) >= 3 && isCompoundSuffix(labels[len(labels)-2]) {
		i = len(labels) - 3
	}
	return labels[i]
}

func isCompoundSuffix(label string) bool {
	switch label {
	case "co", "com", "org", "net", "ac", "gov", "edu":
		return true
	}
	return false
}

// LastPathSegment returns the final non-empty path segment of raw.
func LastPathSegment(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	seg := path.Base(p)
	if unescaped, err := url.PathUnescape(seg); err == nil {
		seg = unescaped
	}
	return strings.ToLower(seg)
}

// MatchKind ranks how an app filter matched a card.
type MatchKind int

const (
	NoMatch MatchKind = iota
	MatchURLSubstring
	MatchSuffix
	MatchExact
)

// MatchApp tests an app filter against a card's domain and URL: exact
// domain first, then a suffix subdomain in either direction, then a URL
// substring.
func MatchApp(domain, rawURL, app string) MatchKind {
	app = strings.ToLower(strings.TrimSpace(app))
	app = strings.TrimPrefix(app, "www.")
	domain = strings.ToLower(domain)
	if app == "" {
		return NoMatch
	}
	if domain != "" {
		if domain == app {
			return MatchExact
		}
		if strings.HasSuffix(domain, "."+app) || strings.HasSuffix(app, "."+domain) {
			return MatchSuffix
		}
	}
	if rawURL != "" && strings.Contains(strings.ToLower(rawURL), app) {
		return MatchURLSubstring
	}
	return NoMatch
}
