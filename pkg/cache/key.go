package cache

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

const (
	keyFieldSeparator = " "
	keyVarySeparator  = "\n"
)

// RequestKey is the normalized representation of a request used as the
// lookup key inside a namespace.
type RequestKey struct {
	// Method is the upper-cased request method
	Method string

	// URL is the absolute request URL without fragment and with sorted query
	URL string

	// Vary optionally carries request header values the entry depends on,
	// formatted as "name: value" lines sorted by name.
	Vary string
}

// String generates a deterministic key string.
// Format: METHOD URL[\nvary lines]
//
// Example:
//
//	GET https://app.example.com/static/app.js?v=2
func (k RequestKey) String() string {
	s := k.Method + keyFieldSeparator + k.URL
	if k.Vary != "" {
		s += keyVarySeparator + k.Vary
	}
	return s
}

// ParseRequestKey is the inverse of RequestKey.String.
func ParseRequestKey(s string) (RequestKey, error) {
	head, vary, _ := strings.Cut(s, keyVarySeparator)
	method, rawURL, found := strings.Cut(head, keyFieldSeparator)
	if !found || method == "" || rawURL == "" {
		return RequestKey{}, fmt.Errorf("malformed request key: %q", s)
	}
	return RequestKey{Method: method, URL: rawURL, Vary: vary}, nil
}

// KeyFor builds the RequestKey of an intercepted request.
// Relative request URLs (as seen by servers) are resolved against the Host header.
func KeyFor(r *http.Request, varyHeaders ...string) RequestKey {
	u := *r.URL
	if u.Host == "" {
		u.Host = r.Host
	}
	if u.Scheme == "" {
		u.Scheme = "http"
		if r.TLS != nil {
			u.Scheme = "https"
		}
	}
	return RequestKey{
		Method: methodOrGet(r.Method),
		URL:    NormalizeURL(&u),
		Vary:   varyLines(r.Header, varyHeaders),
	}
}

// KeyForURL builds a GET key for a URL string (used by precaching).
func KeyForURL(rawURL string) (RequestKey, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return RequestKey{}, fmt.Errorf("parse url: %w", err)
	}
	return RequestKey{Method: http.MethodGet, URL: NormalizeURL(u)}, nil
}

// NormalizeURL lower-cases scheme and host, drops the fragment and sorts the
// query parameters so equivalent URLs produce the same key.
func NormalizeURL(u *url.URL) string {
	n := *u
	n.Scheme = strings.ToLower(n.Scheme)
	n.Host = strings.ToLower(n.Host)
	n.Fragment = ""
	n.RawFragment = ""
	if n.Path == "" && n.Host != "" {
		n.Path = "/"
	}
	if n.RawQuery != "" {
		// url.Values.Encode sorts by key
		n.RawQuery = n.Query().Encode()
	}
	return n.String()
}

func methodOrGet(method string) string {
	if method == "" {
		return http.MethodGet
	}
	return strings.ToUpper(method)
}

func varyLines(h http.Header, names []string) string {
	if len(names) == 0 {
		return ""
	}
	sorted := make([]string, 0, len(names))
	for _, name := range names {
		sorted = append(sorted, strings.ToLower(name))
	}
	sort.Strings(sorted)

	lines := make([]string, 0, len(sorted))
	for _, name := range sorted {
		lines = append(lines, name+": "+h.Get(name))
	}
	return strings.Join(lines, keyVarySeparator)
}
