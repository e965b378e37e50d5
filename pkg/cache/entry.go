package cache

import (
	"net/http"
	"strings"
	"time"
)

// ResponseType mirrors the visibility class of a fetched response.
type ResponseType string

const (
	// TypeBasic is a same-origin response with full access to headers and body.
	TypeBasic ResponseType = "basic"

	// TypeCORS is a cross-origin response the origin explicitly shared.
	TypeCORS ResponseType = "cors"

	// TypeOpaque is a cross-origin response without a sharing grant.
	TypeOpaque ResponseType = "opaque"

	// TypeDefault is a response synthesized locally.
	TypeDefault ResponseType = "default"
)

// Entry represents a stored response snapshot.
type Entry struct {
	// URL is the final URL the response was fetched from
	URL string `json:"url"`

	// StatusCode is the HTTP status code of the stored response
	StatusCode int `json:"status_code"`

	// Type is the response type at the time it was stored
	Type ResponseType `json:"type"`

	// Headers are the response headers
	Headers http.Header `json:"headers"`

	// Data is the response body
	Data []byte `json:"data"`

	// Vary holds the request header values named by the response's Vary header
	Vary map[string]string `json:"vary,omitempty"`

	// StoredAt is when the snapshot was taken
	StoredAt time.Time `json:"stored_at"`
}

// ContentType returns the media type of the stored response without parameters.
func (e *Entry) ContentType() string {
	ct := e.Headers.Get("Content-Type")
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return strings.ToLower(strings.TrimSpace(ct))
}

// Age returns how long ago the entry was stored.
func (e *Entry) Age() time.Duration {
	return time.Since(e.StoredAt)
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	c := *e
	c.Headers = e.Headers.Clone()
	c.Data = append([]byte(nil), e.Data...)
	if e.Vary != nil {
		c.Vary = make(map[string]string, len(e.Vary))
		for k, v := range e.Vary {
			c.Vary[k] = v
		}
	}
	return &c
}

// MatchesVary reports whether req selects this entry given the stored Vary values.
// A response varying on "*" never matches.
func (e *Entry) MatchesVary(req *http.Request) bool {
	for _, name := range varyHeaderNames(e.Headers) {
		if name == "*" {
			return false
		}
		if req.Header.Get(name) != e.Vary[name] {
			return false
		}
	}
	return true
}

// captureVary records the request header values selected by the entry's Vary header.
func (e *Entry) captureVary(req *http.Request) {
	names := varyHeaderNames(e.Headers)
	if len(names) == 0 {
		e.Vary = nil
		return
	}
	e.Vary = make(map[string]string, len(names))
	for _, name := range names {
		if name == "*" {
			continue
		}
		e.Vary[name] = req.Header.Get(name)
	}
}

func varyHeaderNames(h http.Header) []string {
	var names []string
	for _, v := range h.Values("Vary") {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			names = append(names, http.CanonicalHeaderKey(name))
		}
	}
	return names
}
