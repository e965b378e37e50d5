// Package strategy implements the three caching strategies an intercepted
// request can be routed to: network-first with offline fallback, cache-first
// for static assets and cache-first for dynamic assets.
//
// Writes to partitions are best effort. A storage failure on the write path is
// logged and the network response is still returned; a storage failure on the
// read path counts as a miss.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SourceHeader marks responses that were not served by the network.
const SourceHeader = "X-Shellcache-Source"

// Values of SourceHeader.
const (
	SourceCache       = "cache"
	SourceOffline     = "offline"
	SourcePlaceholder = "placeholder"
)

// OfflineHTML is the synthesized navigation response when neither the network
// nor the cache can answer.
const OfflineHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><title>Offline</title></head>
<body>
<h1>You are offline</h1>
<p>This page is not available without a network connection. Please try again once you are back online.</p>
</body>
</html>
`

// PlaceholderHTML is the synthesized fragment for dynamic assets that cannot be fetched.
const PlaceholderHTML = `<div class="offline-placeholder">Content unavailable offline</div>`

// UnavailableText is the body of the final 503 fallback.
const UnavailableText = "Service Unavailable"

var fallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shellcache_fallbacks_total",
	Help: "Total responses served by a fallback after a network failure",
}, []string{"kind"}) // "cache", "offline_page", "offline_html", "unavailable", "placeholder_image", "placeholder_html"

// Config names the partitions and fallback assets the strategies use.
type Config struct {
	ShellPartition   string
	DynamicPartition string
	OfflinePage      string
	PlaceholderImage string
	DynamicLimit     int
}

// Evictor keeps a partition within its size bound.
type Evictor interface {
	EnforceLimit(ctx context.Context, partition string, bound int) error
}

// Strategies executes caching strategies against a storage and a fetcher.
type Strategies struct {
	storage cache.Storage
	fetcher network.Fetcher
	evictor Evictor
	origin  *url.URL
	config  Config
	logger  zerolog.Logger
}

// New creates the strategies. origin resolves the fallback asset paths;
// evictor may be nil to disable the dynamic size bound.
func New(storage cache.Storage, fetcher network.Fetcher, evictor Evictor, origin *url.URL, config Config) *Strategies {
	return &Strategies{
		storage: storage,
		fetcher: fetcher,
		evictor: evictor,
		origin:  origin,
		config:  config,
		logger:  log.With().Str("component", "strategy").Logger(),
	}
}

// NetworkFirst serves navigations. A 200 response is stored in the shell
// partition before it is returned. When the network fails it falls back to
// any cached match, the cached offline page, a synthesized offline document
// for clients accepting HTML and finally a 503.
func (s *Strategies) NetworkFirst(ctx context.Context, req *http.Request) *http.Response {
	resp, err := s.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.StatusCode != http.StatusOK {
			return resp.Response
		}
		entry, readErr := cache.ResponseToEntry(resp.Response, resp.Type)
		if readErr == nil {
			s.put(ctx, s.config.ShellPartition, req, entry)
			return resp.Response
		}
		err = readErr
	}

	s.logger.Debug().
		Err(err).
		Str("url", req.URL.String()).
		Msg("Network failed, serving offline fallback")

	if entry, partition := s.lookup(ctx, req); entry != nil {
		fallbacksTotal.WithLabelValues("cache").Inc()
		s.logger.Debug().Str("url", req.URL.String()).Str("partition", partition).Msg("Serving cached copy")
		return served(entry, req, SourceCache)
	}

	if entry := s.lookupPath(ctx, s.config.OfflinePage); entry != nil {
		fallbacksTotal.WithLabelValues("offline_page").Inc()
		return served(entry, req, SourceOffline)
	}

	if acceptsHTML(req) {
		fallbacksTotal.WithLabelValues("offline_html").Inc()
		return synthesize(req, http.StatusOK, "text/html; charset=utf-8", OfflineHTML, SourceOffline)
	}

	fallbacksTotal.WithLabelValues("unavailable").Inc()
	return synthesize(req, http.StatusServiceUnavailable, "text/plain; charset=utf-8", UnavailableText, SourceOffline)
}

// CacheFirstStatic serves static assets. On a miss the network response is
// returned and, when valid, stored in the shell partition first. A network
// failure is returned as an error matching network.ErrNetwork.
func (s *Strategies) CacheFirstStatic(ctx context.Context, req *http.Request) (*http.Response, error) {
	if entry, _ := s.lookup(ctx, req); entry != nil {
		return served(entry, req, SourceCache), nil
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch static asset: %w", err)
	}

	if IsValid(resp) {
		entry, err := cache.ResponseToEntry(resp.Response, resp.Type)
		if err != nil {
			return nil, fmt.Errorf("read static asset: %w", errors.Join(network.ErrNetwork, err))
		}
		s.put(ctx, s.config.ShellPartition, req, entry)
	}
	return resp.Response, nil
}

// CacheFirstDynamic serves runtime assets. A 200 network response is stored
// in the dynamic partition after the size bound is enforced. When the network
// fails, image requests get the cached placeholder image if there is one and
// everything else gets a placeholder fragment.
func (s *Strategies) CacheFirstDynamic(ctx context.Context, req *http.Request, image bool) *http.Response {
	if entry, _ := s.lookup(ctx, req); entry != nil {
		return served(entry, req, SourceCache)
	}

	resp, err := s.fetcher.Fetch(ctx, req)
	if err == nil {
		if resp.StatusCode != http.StatusOK {
			return resp.Response
		}
		entry, readErr := cache.ResponseToEntry(resp.Response, resp.Type)
		if readErr == nil {
			if shareable(req, entry.Headers) {
				s.evict(ctx)
			}
			s.put(ctx, s.config.DynamicPartition, req, entry)
			return resp.Response
		}
		err = readErr
	}

	s.logger.Debug().
		Err(err).
		Str("url", req.URL.String()).
		Bool("image", image).
		Msg("Network failed, serving placeholder")

	if image {
		if entry := s.lookupPath(ctx, s.config.PlaceholderImage); entry != nil {
			fallbacksTotal.WithLabelValues("placeholder_image").Inc()
			return served(entry, req, SourcePlaceholder)
		}
	}

	fallbacksTotal.WithLabelValues("placeholder_html").Inc()
	return synthesize(req, http.StatusOK, "text/html; charset=utf-8", PlaceholderHTML, SourcePlaceholder)
}

// IsValid reports whether a static asset response may be stored: status 200,
// same-origin and not an HTML document.
func IsValid(resp *network.Response) bool {
	if resp == nil || resp.StatusCode != http.StatusOK || resp.Type != cache.TypeBasic {
		return false
	}
	return mediaType(resp.Header.Get("Content-Type")) != "text/html"
}

// lookup searches every partition; backend errors count as misses.
func (s *Strategies) lookup(ctx context.Context, req *http.Request) (*cache.Entry, string) {
	entry, partition, err := cache.MatchAny(ctx, s.storage, req)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Cache lookup failed")
		}
		return nil, ""
	}
	s.logger.Debug().Str("url", req.URL.String()).Str("partition", partition).Msg("Cache hit")
	return entry, partition
}

// lookupPath searches every partition for a GET of path on the origin.
func (s *Strategies) lookupPath(ctx context.Context, path string) *cache.Entry {
	if path == "" {
		return nil
	}
	ref, err := url.Parse(path)
	if err != nil {
		return nil
	}
	if s.origin != nil {
		ref = s.origin.ResolveReference(ref)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref.String(), nil)
	if err != nil {
		return nil
	}
	entry, _ := s.lookup(ctx, req)
	return entry
}

func (s *Strategies) put(ctx context.Context, partition string, req *http.Request, entry *cache.Entry) {
	if !shareable(req, entry.Headers) {
		s.logger.Debug().
			Str("partition", partition).
			Str("url", req.URL.String()).
			Msg("Response is private, not storing")
		return
	}
	p, err := s.storage.Open(ctx, partition)
	if err == nil {
		err = p.Put(ctx, req, entry)
	}
	if err != nil {
		s.logger.Warn().
			Err(err).
			Str("partition", partition).
			Str("url", req.URL.String()).
			Msg("Failed to store response")
		return
	}
	cache.CacheWrites.WithLabelValues(partition).Inc()
}

func (s *Strategies) evict(ctx context.Context) {
	if s.evictor == nil || s.config.DynamicLimit <= 0 {
		return
	}
	if err := s.evictor.EnforceLimit(ctx, s.config.DynamicPartition, s.config.DynamicLimit); err != nil {
		s.logger.Warn().
			Err(err).
			Str("partition", s.config.DynamicPartition).
			Msg("Failed to enforce partition limit")
	}
}

// shareable reports whether a response may be stored for every client.
// Authorized requests and responses marked private or no-store are not.
// Cookie-bearing requests are stored; the entry never carries Set-Cookie.
func shareable(req *http.Request, header http.Header) bool {
	if req.Header.Get("Authorization") != "" {
		return false
	}
	for _, v := range header.Values("Cache-Control") {
		for _, directive := range strings.Split(v, ",") {
			name, _, _ := strings.Cut(strings.TrimSpace(directive), "=")
			switch strings.ToLower(name) {
			case "private", "no-store":
				return false
			}
		}
	}
	return true
}

func served(entry *cache.Entry, req *http.Request, source string) *http.Response {
	resp := cache.EntryToResponse(entry, req)
	resp.Header.Set(SourceHeader, source)
	return resp
}

func synthesize(req *http.Request, status int, contentType, body, source string) *http.Response {
	entry := &cache.Entry{
		StatusCode: status,
		Type:       cache.TypeDefault,
		Headers: http.Header{
			"Content-Type": {contentType},
		},
		Data: []byte(body),
	}
	return served(entry, req, source)
}

func acceptsHTML(req *http.Request) bool {
	for _, v := range req.Header.Values("Accept") {
		if strings.Contains(v, "text/html") {
			return true
		}
	}
	return false
}

func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mt
}
