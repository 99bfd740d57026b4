package network

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/offline-cache/pkg/cache"
)

// Classify determines the response type the agent records for resp.
//
// A response from origin is basic. A cross-origin response is cors when the
// request was made in cors mode and the server allowed it, otherwise it is
// opaque. A nil origin means the request's own origin.
func Classify(origin *url.URL, req *http.Request, resp *http.Response) cache.ResponseType {
	if SameOrigin(origin, req.URL) {
		return cache.ResponseTypeBasic
	}
	mode := strings.ToLower(req.Header.Get("Sec-Fetch-Mode"))
	if mode == "no-cors" {
		return cache.ResponseTypeOpaque
	}
	if resp != nil && resp.Header.Get("Access-Control-Allow-Origin") != "" {
		return cache.ResponseTypeCORS
	}
	return cache.ResponseTypeOpaque
}

// SameOrigin reports whether u shares scheme and host with origin.
// Relative URLs and a nil origin count as same-origin.
func SameOrigin(origin, u *url.URL) bool {
	if origin == nil || u == nil || u.Host == "" {
		return true
	}
	return strings.EqualFold(origin.Scheme, u.Scheme) && strings.EqualFold(origin.Host, u.Host)
}
