package cache

import (
	"net/http"
	"net/url"
)

// Key identifies a stored request within a partition.
type Key struct {
	// Method is the request method (only GET is ever stored)
	Method string

	// URL is the absolute request URL
	URL *url.URL
}

// KeyFor builds the key of a request.
func KeyFor(req *http.Request) Key {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	return Key{Method: method, URL: req.URL}
}

// String generates a deterministic key string.
// Format: METHOD:absolute-url (fragment removed)
//
// Example:
//
//	GET:https://app.example/static/app.js?v=3
func (k Key) String() string {
	if k.URL == nil {
		return k.Method + ":"
	}
	u := *k.URL
	u.Fragment = ""
	u.RawFragment = ""
	return k.Method + ":" + u.String()
}
