// Package worker is the interception core. A Worker owns the caching policy,
// moves through its install and activate lifecycle, routes every intercepted
// request to a caching strategy and handles control messages.
//
// The host drives the worker through the Handler interface:
//
//	w, err := worker.New(policy, worker.Deps{Storage: storage, Fetcher: fetcher, Origin: origin})
//	w.OnInstall(ctx)
//	w.OnActivate(ctx)
//	resp, err := w.OnIntercept(ctx, worker.NewRequest(r))
//	if resp == nil {
//		// pass through to the network
//	}
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/lifecycle"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/Sternrassler/shellcache/pkg/precache"
	"github.com/Sternrassler/shellcache/pkg/strategy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidState is returned when a lifecycle event arrives out of order.
var ErrInvalidState = errors.New("invalid worker state")

var interceptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shellcache_intercepts_total",
	Help: "Total intercepted requests by route",
}, []string{"route"})

// Handler receives the worker lifecycle events from a host.
type Handler interface {
	OnInstall(ctx context.Context) error
	OnActivate(ctx context.Context) error
	// OnIntercept returns a nil response when the request passes through.
	OnIntercept(ctx context.Context, req *Request) (*http.Response, error)
	OnMessage(ctx context.Context, msg Message) error
}

var _ Handler = (*Worker)(nil)

// State is the lifecycle state of a worker.
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	default:
		return "unknown"
	}
}

// Deps are the collaborators a worker runs against.
type Deps struct {
	Storage cache.Storage
	Fetcher network.Fetcher
	// Origin is the worker's own origin
	Origin *url.URL
	// Precache tunes the install-time batch fetch; zero values take defaults
	Precache precache.Config
}

// Worker implements Handler.
type Worker struct {
	policy     config.Policy
	dispatcher *Dispatcher
	lifecycle  *lifecycle.Manager
	strategies *strategy.Strategies
	logger     zerolog.Logger

	mu          sync.RWMutex
	state       State
	controlling bool
	skipWaiting bool
	lastInstall lifecycle.InstallReport
}

// New creates a worker for policy.
func New(policy config.Policy, deps Deps) (*Worker, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if deps.Fetcher == nil {
		return nil, fmt.Errorf("fetcher is required")
	}
	if deps.Origin == nil || deps.Origin.Host == "" {
		return nil, fmt.Errorf("origin is required")
	}

	c, err := policy.Classifier()
	if err != nil {
		return nil, err
	}

	batch := precache.NewBatchFetcher(deps.Fetcher, deps.Origin, deps.Precache)
	manager := lifecycle.NewManager(deps.Storage, batch, policy)
	strategies := strategy.New(deps.Storage, deps.Fetcher, manager, deps.Origin, strategy.Config{
		ShellPartition:   policy.ShellPartition(),
		DynamicPartition: policy.DynamicPartition(),
		OfflinePage:      policy.OfflinePage,
		PlaceholderImage: policy.PlaceholderImage,
		DynamicLimit:     policy.DynamicLimit,
	})

	return &Worker{
		policy:     policy,
		dispatcher: NewDispatcher(deps.Origin, c),
		lifecycle:  manager,
		strategies: strategies,
		logger:     log.With().Str("component", "worker").Str("version", policy.Version).Logger(),
		state:      StateParsed,
	}, nil
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

// Controlling reports whether the worker intercepts requests.
func (w *Worker) Controlling() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.controlling
}

// SkipWaiting reports whether the worker asked to be activated without waiting.
func (w *Worker) SkipWaiting() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.skipWaiting
}

// LastInstall returns the report of the most recent install.
func (w *Worker) LastInstall() lifecycle.InstallReport {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastInstall
}

// transition moves from one of the allowed states to next.
func (w *Worker) transition(next State, from ...State) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, s := range from {
		if w.state == s {
			w.state = next
			return nil
		}
	}
	return fmt.Errorf("%w: cannot enter %s from %s", ErrInvalidState, next, w.state)
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// OnInstall precaches the application shell. Fetch failures do not fail the
// install. On success the worker asks to skip waiting.
func (w *Worker) OnInstall(ctx context.Context) error {
	if err := w.transition(StateInstalling, StateParsed); err != nil {
		return err
	}
	w.logger.Info().Str("partition", w.policy.ShellPartition()).Msg("Installing")

	report, err := w.lifecycle.Install(ctx)
	if err != nil {
		w.setState(StateParsed)
		return fmt.Errorf("install: %w", err)
	}

	w.mu.Lock()
	w.state = StateInstalled
	w.skipWaiting = true
	w.lastInstall = report
	w.mu.Unlock()

	w.logger.Info().
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Msg("Installed")
	return nil
}

// OnActivate deletes partitions of other versions and claims control.
// Activating an already active worker is a no-op.
func (w *Worker) OnActivate(ctx context.Context) error {
	if w.State() == StateActivated {
		return nil
	}
	if err := w.transition(StateActivating, StateInstalled); err != nil {
		return err
	}

	deleted, err := w.lifecycle.Activate(ctx)
	if err != nil {
		w.setState(StateInstalled)
		return fmt.Errorf("activate: %w", err)
	}

	w.mu.Lock()
	w.state = StateActivated
	w.controlling = true
	w.mu.Unlock()

	w.logger.Info().
		Strs("deleted", deleted).
		Msg("Activated and controlling")
	return nil
}

// OnIntercept routes req to a strategy. It returns a nil response when the
// request passes through: while the worker is not controlling, or when the
// dispatcher leaves the request alone. The only error is a static asset that
// is neither cached nor reachable; it matches network.ErrNetwork.
func (w *Worker) OnIntercept(ctx context.Context, req *Request) (*http.Response, error) {
	if !w.Controlling() {
		return nil, nil
	}

	route := w.dispatcher.Route(req)
	interceptsTotal.WithLabelValues(route.String()).Inc()
	w.logger.Debug().
		Str("url", req.HTTP.URL.String()).
		Str("destination", string(req.Destination)).
		Str("route", route.String()).
		Msg("Intercepted")

	switch route {
	case RouteNetworkFirst:
		return w.strategies.NetworkFirst(ctx, req.HTTP), nil
	case RouteCacheFirstStatic:
		return w.strategies.CacheFirstStatic(ctx, req.HTTP)
	case RouteCacheFirstDynamic:
		return w.strategies.CacheFirstDynamic(ctx, req.HTTP, req.Destination == DestinationImage), nil
	default:
		return nil, nil
	}
}

// OnMessage handles a control message.
func (w *Worker) OnMessage(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	w.logger.Info().
		Str("type", string(msg.Type)).
		Str("payload", msg.Payload).
		Msg("Message received")

	switch msg.Type {
	case MessageSkipWaiting:
		w.mu.Lock()
		w.skipWaiting = true
		w.mu.Unlock()
		if w.State() == StateInstalled {
			return w.OnActivate(ctx)
		}
		return nil
	case MessageClearCache:
		_, err := w.lifecycle.Clear(ctx, msg.Payload)
		return err
	}
	return fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type)
}
