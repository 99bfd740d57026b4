// Package network performs the outbound fetches of the caching agent and
// classifies their results.
package network

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Fetcher performs a network request.
//
// Like a browser fetch, an HTTP error status is a response, not a failure:
// only transport problems (and timeouts) yield a *NetworkError.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*http.Response, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, req *http.Request) (*http.Response, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	return f(ctx, req)
}

// Config holds the fetcher configuration.
type Config struct {
	// Timeout bounds a single attempt (0 = 30s).
	Timeout time.Duration

	// UserAgent is set on outgoing requests that carry none.
	UserAgent string

	// Retry applies to FetchWithRetry only.
	Retry RetryConfig

	// HTTPClient overrides the client built from Timeout (for testing).
	HTTPClient *http.Client
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Timeout:   30 * time.Second,
		UserAgent: "offline-cache/1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// HTTPFetcher fetches over net/http.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// NewHTTPFetcher creates a fetcher from cfg.
func NewHTTPFetcher(cfg Config) *HTTPFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &HTTPFetcher{
		httpClient: httpClient,
		config:     cfg,
		logger:     log.With().Str("component", "network").Logger(),
	}
}

// Fetch performs a single attempt.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, class, err := f.do(ctx, req)
	if err != nil {
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		return nil, err
	}
	return resp, nil
}

// FetchWithRetry retries transport failures and 5xx responses with
// exponential backoff. A 5xx surviving every attempt is reported as a
// *NetworkError; other statuses are returned as responses.
func (f *HTTPFetcher) FetchWithRetry(ctx context.Context, req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := retryWithBackoff(ctx, f.config.Retry, f.logger, func() (ErrorClass, error) {
		r, class, err := f.do(ctx, req)
		if err != nil {
			fetchErrorsTotal.WithLabelValues(string(class)).Inc()
			return class, err
		}
		if r.StatusCode >= 500 {
			r.Body.Close()
			fetchErrorsTotal.WithLabelValues(string(ErrorClassServer)).Inc()
			return ErrorClassServer, &NetworkError{
				URL:        req.URL.String(),
				StatusCode: r.StatusCode,
				ErrorClass: ErrorClassServer,
			}
		}
		resp = r
		return "", nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (f *HTTPFetcher) do(ctx context.Context, req *http.Request) (*http.Response, ErrorClass, error) {
	out, err := outgoing(ctx, req)
	if err != nil {
		return nil, ErrorClassClient, &NetworkError{URL: req.URL.String(), ErrorClass: ErrorClassClient, Err: err}
	}
	if out.Header.Get("User-Agent") == "" && f.config.UserAgent != "" {
		out.Header.Set("User-Agent", f.config.UserAgent)
	}

	start := time.Now()
	resp, err := f.httpClient.Do(out)
	fetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		class := classifyTransportError(ctx, err)
		fetchRequestsTotal.WithLabelValues(string(class)).Inc()
		f.logger.Debug().Err(err).
			Str("url", out.URL.String()).
			Str("error_class", string(class)).
			Msg("Fetch failed")
		return nil, class, &NetworkError{URL: out.URL.String(), ErrorClass: class, Err: err}
	}

	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	return resp, "", nil
}

// outgoing turns req (possibly a server-side request) into a client request.
func outgoing(ctx context.Context, req *http.Request) (*http.Request, error) {
	if req.URL == nil || !req.URL.IsAbs() {
		return nil, fmt.Errorf("request URL must be absolute")
	}
	out := req.Clone(ctx)
	out.RequestURI = ""
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind body: %w", err)
		}
		out.Body = body
	}
	return out, nil
}

// classifyTransportError categorizes an error that produced no response.
func classifyTransportError(ctx context.Context, err error) ErrorClass {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// ClassifyStatus categorizes an HTTP status for observability.
func ClassifyStatus(statusCode int) ErrorClass {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return ErrorClassClient
	case statusCode >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}
