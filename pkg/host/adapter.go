// Package host runs a worker behind an HTTP server. It plays the part of the
// platform the worker is installed into: it drives the install and activate
// events, hands every incoming request to the worker for interception,
// forwards pass-through requests to the network and delivers control
// messages.
package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/Sternrassler/shellcache/pkg/metrics"
	"github.com/Sternrassler/shellcache/pkg/worker"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/rs/zerolog/log"
)

// MessagePath receives control messages.
const MessagePath = "/_worker/message"

// maxMessageBytes bounds a control message body.
const maxMessageBytes = 64 << 10

// Worker is what the adapter needs from a worker.
type Worker interface {
	worker.Handler
	Controlling() bool
	SkipWaiting() bool
}

// Config holds the adapter configuration.
type Config struct {
	// Origin is the worker's origin; pass-through requests are forwarded here
	Origin *url.URL

	// Transport forwards pass-through requests (default: http.DefaultTransport)
	Transport http.RoundTripper

	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration
}

// Adapter is the HTTP host of a worker.
type Adapter struct {
	worker Worker
	origin *url.URL
	proxy  *httputil.ReverseProxy
	router chi.Router
	config Config
	logger zerolog.Logger
}

// New creates an adapter for w.
func New(w Worker, cfg Config) (*Adapter, error) {
	if w == nil {
		return nil, fmt.Errorf("worker is required")
	}
	if cfg.Origin == nil || cfg.Origin.Host == "" {
		return nil, fmt.Errorf("origin is required")
	}
	if cfg.Transport == nil {
		cfg.Transport = http.DefaultTransport
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	a := &Adapter{
		worker: w,
		origin: cfg.Origin,
		config: cfg,
		logger: log.With().Str("component", "host").Str("origin", cfg.Origin.String()).Logger(),
	}
	a.proxy = &httputil.ReverseProxy{
		Rewrite:      a.rewrite,
		Transport:    cfg.Transport,
		ErrorHandler: a.proxyError,
	}
	a.router = a.routes()
	return a, nil
}

func (a *Adapter) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestLogging(a.logger)...)
	r.Use(middleware.Recoverer)

	r.Get("/health", a.handleHealth)
	r.Get("/ready", a.handleReady)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Post(MessagePath, a.handleMessage)
	r.Handle("/*", http.HandlerFunc(a.handleIntercept))
	return r
}

// ServeHTTP implements http.Handler.
func (a *Adapter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	a.router.ServeHTTP(w, r)
}

// Boot installs the worker and, when it asks to skip waiting, activates it.
func (a *Adapter) Boot(ctx context.Context) error {
	if err := a.worker.OnInstall(ctx); err != nil {
		return fmt.Errorf("install worker: %w", err)
	}
	if !a.worker.SkipWaiting() {
		a.logger.Info().Msg("Worker installed, waiting for SKIP_WAITING")
		return nil
	}
	if err := a.worker.OnActivate(ctx); err != nil {
		return fmt.Errorf("activate worker: %w", err)
	}
	return nil
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (a *Adapter) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully.
func (a *Adapter) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("addr", ln.Addr().String()).Msg("Serving")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
	defer cancel()
	a.logger.Info().Msg("Shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (a *Adapter) handleReady(w http.ResponseWriter, r *http.Request) {
	if !a.worker.Controlling() {
		http.Error(w, "worker not active", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "READY")
}

func (a *Adapter) handleMessage(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	msg, err := worker.ParseMessage(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := a.worker.OnMessage(r.Context(), msg); err != nil {
		if errors.Is(err, worker.ErrUnknownMessage) || errors.Is(err, worker.ErrMalformedMessage) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("type", string(msg.Type)).Msg("Message handling failed")
		http.Error(w, "message handling failed", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *Adapter) handleIntercept(w http.ResponseWriter, r *http.Request) {
	req := worker.NewRequest(a.absolute(r))

	resp, err := a.worker.OnIntercept(r.Context(), req)
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("target", req.HTTP.URL.String()).Msg("Intercept failed")
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return
	}
	if resp == nil {
		a.proxy.ServeHTTP(w, r)
		return
	}
	a.writeResponse(w, r, resp)
}

// absolute returns a copy of r whose URL is absolute. Origin-form requests
// resolve against the origin; absolute-form proxy requests keep their target.
func (a *Adapter) absolute(r *http.Request) *http.Request {
	out := r.Clone(r.Context())
	if !out.URL.IsAbs() {
		out.URL = a.origin.ResolveReference(&url.URL{
			Path:     r.URL.Path,
			RawPath:  r.URL.RawPath,
			RawQuery: r.URL.RawQuery,
		})
	}
	return out
}

func (a *Adapter) rewrite(pr *httputil.ProxyRequest) {
	if pr.In.URL.IsAbs() && pr.In.URL.Host != a.origin.Host {
		pr.Out.Host = ""
	} else {
		pr.SetURL(a.origin)
	}
	pr.SetXForwarded()
}

func (a *Adapter) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Warn().Err(err).Msg("Pass-through failed")
	http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
}

func (a *Adapter) writeResponse(w http.ResponseWriter, r *http.Request, resp *http.Response) {
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("Failed to write response body")
	}
}
