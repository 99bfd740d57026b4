package router

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/Sternrassler/offline-cache/pkg/cache"
)

// Request destinations as reported by Sec-Fetch-Dest.
const (
	DestinationDocument = "document"
	DestinationScript   = "script"
	DestinationStyle    = "style"
	DestinationImage    = "image"
	DestinationFont     = "font"
)

// extensionDestinations is the fallback for clients that send no Sec-Fetch-Dest.
var extensionDestinations = map[string]string{
	".html":  DestinationDocument,
	".htm":   DestinationDocument,
	".js":    DestinationScript,
	".mjs":   DestinationScript,
	".css":   DestinationStyle,
	".png":   DestinationImage,
	".jpg":   DestinationImage,
	".jpeg":  DestinationImage,
	".gif":   DestinationImage,
	".svg":   DestinationImage,
	".webp":  DestinationImage,
	".avif":  DestinationImage,
	".ico":   DestinationImage,
	".woff":  DestinationFont,
	".woff2": DestinationFont,
	".ttf":   DestinationFont,
	".otf":   DestinationFont,
}

// RequestDestination returns what the request is for. The Sec-Fetch-Dest
// header wins; otherwise the path extension decides, and a path ending in
// "/" is a document. Unknown requests have an empty destination.
func RequestDestination(req *http.Request) string {
	if dest := strings.ToLower(req.Header.Get("Sec-Fetch-Dest")); dest != "" && dest != "empty" {
		return dest
	}
	p := req.URL.Path
	if p == "" || strings.HasSuffix(p, "/") {
		return DestinationDocument
	}
	return extensionDestinations[strings.ToLower(path.Ext(p))]
}

// Destination matches requests for any of dests.
func Destination(dests ...string) MatchFunc {
	set := make(map[string]bool, len(dests))
	for _, d := range dests {
		set[strings.ToLower(d)] = true
	}
	return func(req *http.Request) bool {
		return set[RequestDestination(req)]
	}
}

// PathPattern matches request paths against a regular expression.
func PathPattern(expr string) (MatchFunc, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("compile path pattern: %w", err)
	}
	return func(req *http.Request) bool {
		return re.MatchString(req.URL.Path)
	}, nil
}

// PathPrefixExtensions matches paths that contain prefix and end in one of
// exts (e.g. "/app/", ".js", ".css"). Extensions are case-sensitive.
func PathPrefixExtensions(prefix string, exts ...string) MatchFunc {
	alts := make([]string, len(exts))
	for i, ext := range exts {
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		alts[i] = regexp.QuoteMeta(ext) + "$"
	}
	expr := regexp.QuoteMeta(prefix) + ".*(" + strings.Join(alts, "|") + ")"
	if len(exts) == 0 {
		expr = regexp.QuoteMeta(prefix)
	}
	match, err := PathPattern(expr)
	if err != nil {
		// quoted input always compiles
		panic(err)
	}
	return match
}

// URLs matches requests whose normalized URL is in urls. Relative entries
// are resolved against base.
func URLs(base string, urls ...string) (MatchFunc, error) {
	set := make(map[string]bool, len(urls))
	for _, u := range urls {
		key, err := cache.KeyForURL(resolve(base, u))
		if err != nil {
			return nil, err
		}
		set[key.URL] = true
	}
	return func(req *http.Request) bool {
		return set[cache.KeyFor(req).URL]
	}, nil
}

func resolve(base, ref string) string {
	if base == "" || strings.Contains(ref, "://") {
		return ref
	}
	return strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(ref, "/")
}

// Any matches every request.
func Any() MatchFunc {
	return func(*http.Request) bool { return true }
}
