package worker

import (
	"net/http"
	"net/url"

	"github.com/Sternrassler/shellcache/pkg/classifier"
	"github.com/Sternrassler/shellcache/pkg/network"
)

// Route is the handling chosen for an intercepted request.
type Route int

const (
	// RoutePassThrough leaves the request to the network untouched
	RoutePassThrough Route = iota
	RouteNetworkFirst
	RouteCacheFirstStatic
	RouteCacheFirstDynamic
)

func (r Route) String() string {
	switch r {
	case RoutePassThrough:
		return "pass_through"
	case RouteNetworkFirst:
		return "network_first"
	case RouteCacheFirstStatic:
		return "cache_first_static"
	case RouteCacheFirstDynamic:
		return "cache_first_dynamic"
	default:
		return "unknown"
	}
}

// Dispatcher routes requests by origin, destination and URL pattern.
type Dispatcher struct {
	origin     *url.URL
	classifier *classifier.Classifier
}

// NewDispatcher creates a dispatcher for the given origin.
func NewDispatcher(origin *url.URL, c *classifier.Classifier) *Dispatcher {
	return &Dispatcher{origin: origin, classifier: c}
}

// Route picks the handling for req. Only GET requests are ever routed to a
// strategy. Never-cache requests are decided here so that no strategy, and
// therefore no partition, sees them.
func (d *Dispatcher) Route(req *Request) Route {
	if req.HTTP.Method != http.MethodGet {
		return RoutePassThrough
	}

	u := req.HTTP.URL
	target := u.String()

	if u.IsAbs() && !network.SameOrigin(d.origin, u) {
		if d.classifier.IsDynamic(target) && !d.classifier.IsNeverCache(target, req.Referrer) {
			return RouteCacheFirstDynamic
		}
		return RoutePassThrough
	}

	if d.classifier.IsNeverCache(target, req.Referrer) {
		return RoutePassThrough
	}

	switch {
	case req.Destination == DestinationDocument:
		return RouteNetworkFirst
	case req.Destination == DestinationImage || d.classifier.IsDynamic(target):
		return RouteCacheFirstDynamic
	default:
		return RouteCacheFirstStatic
	}
}
