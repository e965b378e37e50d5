// Package network fetches intercepted requests from the network and tags each
// response with its visibility type relative to the worker's origin.
package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Prometheus metrics for fetch operations.
var (
	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shellcache_fetch_duration_seconds",
		Help:    "Network fetch duration in seconds by result",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	}, []string{"result"})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shellcache_fetch_errors_total",
		Help: "Total network fetch failures by class",
	}, []string{"class"})

	fetchCollapsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shellcache_fetch_collapsed_total",
		Help: "Total fetches answered by an identical in-flight fetch",
	})
)

// Fetcher performs network requests on behalf of the worker.
type Fetcher interface {
	// Fetch sends req to the network. Transport failures return an error
	// matching ErrNetwork; HTTP error statuses are returned as responses.
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// Response is a network response tagged with its response type.
type Response struct {
	*http.Response
	Type cache.ResponseType
}

// Config holds the fetcher configuration.
type Config struct {
	// Origin is the worker's own origin; relative request URLs resolve against it
	Origin *url.URL

	// Timeout bounds a single attempt
	Timeout time.Duration

	// Retry controls retries of transport failures for GET and HEAD requests
	Retry RetryConfig

	// Collapse lets identical concurrent GETs share one round trip
	Collapse bool
}

// DefaultConfig returns the default configuration for origin.
func DefaultConfig(origin *url.URL) Config {
	return Config{
		Origin:   origin,
		Timeout:  30 * time.Second,
		Retry:    DefaultRetryConfig(),
		Collapse: true,
	}
}

// HTTPFetcher is the net/http implementation of Fetcher.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	group      singleflight.Group
	logger     zerolog.Logger
}

// NewHTTPFetcher creates a fetcher.
func NewHTTPFetcher(cfg Config) (*HTTPFetcher, error) {
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: log.With().Str("component", "network").Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}

// Origin returns the configured origin.
func (f *HTTPFetcher) Origin() *url.URL {
	return f.config.Origin
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req *http.Request) (*Response, error) {
	out := f.outbound(ctx, req)

	start := time.Now()
	var (
		resp *http.Response
		err  error
	)
	if f.collapsible(out) {
		resp, err = f.collapsed(out)
	} else {
		resp, err = f.do(out)
	}

	if err != nil {
		fetchDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		class := classifyError(err)
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()
		f.logger.Debug().
			Err(err).
			Str("url", out.URL.String()).
			Str("error_class", string(class)).
			Msg("Fetch failed")
		return nil, &FetchError{URL: out.URL.String(), ErrorClass: class, Err: err}
	}

	fetchDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	return &Response{
		Response: resp,
		Type:     TypeOf(f.config.Origin, out.URL, resp.Header),
	}, nil
}

// outbound prepares a client request from an incoming or relative one.
// Hop-by-hop headers of the incoming connection are not forwarded.
func (f *HTTPFetcher) outbound(ctx context.Context, req *http.Request) *http.Request {
	out := req.Clone(ctx)
	out.RequestURI = ""
	cache.RemoveHopHeaders(out.Header)
	if !out.URL.IsAbs() {
		out.URL = f.config.Origin.ResolveReference(out.URL)
	}
	out.Host = ""
	return out
}

func (f *HTTPFetcher) do(req *http.Request) (*http.Response, error) {
	retry := f.config.Retry
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		// Request bodies cannot be replayed
		retry.MaxAttempts = 1
	}

	var resp *http.Response
	err := retryWithBackoff(req.Context(), retry, func() error {
		var doErr error
		resp, doErr = f.httpClient.Do(req)
		return doErr
	}, classifyError)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// collapsible reports whether req may share an in-flight fetch.
// Credentialed requests are never shared.
func (f *HTTPFetcher) collapsible(req *http.Request) bool {
	if !f.config.Collapse || req.Method != http.MethodGet {
		return false
	}
	if req.Body != nil && req.Body != http.NoBody {
		return false
	}
	return req.Header.Get("Authorization") == "" && req.Header.Get("Cookie") == ""
}

type snapshot struct {
	leader *http.Request
	status int
	proto  string
	header http.Header
	body   []byte
}

// collapseKey groups requests that would be sent identically for the
// content-negotiation headers origins commonly vary on.
func collapseKey(req *http.Request) string {
	key := cache.KeyFor(req).String()
	for _, name := range negotiationHeaders {
		key += "|" + strings.Join(req.Header.Values(name), ",")
	}
	return key
}

var negotiationHeaders = []string{"Accept", "Accept-Encoding", "Accept-Language"}

// collapsed shares one round trip between identical concurrent GETs. The
// shared fetch runs detached from every caller so one caller giving up does
// not fail the others; each caller stops waiting when its own context ends.
func (f *HTTPFetcher) collapsed(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	ch := f.group.DoChan(collapseKey(req), func() (interface{}, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.sharedTimeout())
		defer cancel()

		resp, err := f.do(req.WithContext(shared))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return &snapshot{
			leader: req,
			status: resp.StatusCode,
			proto:  resp.Proto,
			header: resp.Header,
			body:   body,
		}, nil
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	snap := res.Val.(*snapshot)
	if snap.leader != req {
		if !snap.reusableFor(req) {
			return f.do(req)
		}
		fetchCollapsedTotal.Inc()
	}

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", snap.status, http.StatusText(snap.status)),
		StatusCode:    snap.status,
		Proto:         snap.proto,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        snap.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(snap.body)),
		ContentLength: int64(len(snap.body)),
		Request:       req,
	}, nil
}

// sharedTimeout bounds a detached fetch including its retries.
func (f *HTTPFetcher) sharedTimeout() time.Duration {
	attempts := f.config.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return time.Duration(attempts)*f.config.Timeout + f.config.Retry.MaxBackoff*time.Duration(attempts-1)
}

// reusableFor reports whether a response fetched for the leader may be
// handed to req: it must not set cookies, and every request header it
// varies on must match.
func (s *snapshot) reusableFor(req *http.Request) bool {
	if len(s.header.Values("Set-Cookie")) > 0 {
		return false
	}
	for _, v := range s.header.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if name == "*" {
				return false
			}
			if strings.Join(s.leader.Header.Values(name), ",") != strings.Join(req.Header.Values(name), ",") {
				return false
			}
		}
	}
	return true
}

// SameOrigin reports whether u has the scheme and host of origin.
func SameOrigin(origin, u *url.URL) bool {
	if origin == nil || u == nil {
		return false
	}
	return origin.Scheme == u.Scheme && origin.Host == u.Host
}

// TypeOf derives the response type of a response fetched from u.
func TypeOf(origin, u *url.URL, header http.Header) cache.ResponseType {
	if SameOrigin(origin, u) {
		return cache.TypeBasic
	}
	if header.Get("Access-Control-Allow-Origin") != "" {
		return cache.TypeCORS
	}
	return cache.TypeOpaque
}
