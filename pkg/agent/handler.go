package agent

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/Sternrassler/offline-cache/pkg/lifecycle"
	"github.com/Sternrassler/offline-cache/pkg/network"
	"github.com/Sternrassler/offline-cache/pkg/strategy"
	"github.com/rs/zerolog"
)

// Headers set on responses produced by the agent itself.
const (
	HeaderClientID   = "X-Client-Id"
	HeaderCacheAgent = "X-Cache-Agent"
	OfflineValue     = "offline"
)

// Handler serves HTTP clients through a lifecycle container, forwarding
// requests to the origin.
type Handler struct {
	container *lifecycle.Container
	origin    *url.URL
	logger    zerolog.Logger
}

// NewHandler creates a proxy handler for origin.
func NewHandler(container *lifecycle.Container, origin *url.URL, logger zerolog.Logger) *Handler {
	if container == nil {
		panic("container cannot be nil")
	}
	return &Handler{container: container, origin: origin, logger: logger}
}

// ClientID identifies the client of r: the X-Client-Id header, falling back
// to the remote host.
func ClientID(r *http.Request) string {
	if id := r.Header.Get(HeaderClientID); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req := h.upstreamRequest(r)

	resp, err := h.container.Fetch(ctx, ClientID(r), req)
	if err != nil {
		if errors.Is(err, strategy.ErrNoResponse) || network.IsNetworkError(err) {
			h.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Answering offline")
			WriteOffline(w)
			return
		}
		h.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Request failed")
		http.Error(w, "cache agent error", http.StatusInternalServerError)
		return
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Failed to write response")
	}
}

// upstreamRequest rewrites a server request to the origin's absolute URL.
func (h *Handler) upstreamRequest(r *http.Request) *http.Request {
	req := r.Clone(r.Context())
	req.URL = h.origin.ResolveReference(&url.URL{Path: r.URL.Path, RawQuery: r.URL.RawQuery})
	req.Host = h.origin.Host
	req.RequestURI = ""
	req.Header.Del(HeaderClientID)
	return req
}

// WriteOffline writes the explicit offline response.
func WriteOffline(w http.ResponseWriter) {
	w.Header().Set(HeaderCacheAgent, OfflineValue)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = io.WriteString(w, "offline\n")
}
