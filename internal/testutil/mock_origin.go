// Package testutil provides testing utilities for shellcache.
package testutil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// ErrOffline is returned by the mock transport while the origin is offline.
var ErrOffline = errors.New("mock origin: network unreachable")

// MockResponse defines the behavior for a mock origin path.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
	Delay      time.Duration
}

// MockOrigin is a configurable origin server for testing.
// Unconfigured paths answer 404.
type MockOrigin struct {
	server   *httptest.Server
	mu       sync.RWMutex
	handlers map[string]func(w http.ResponseWriter, r *http.Request)
	offline  bool

	// Tracking
	requests map[string]int
	total    int
}

// NewMockOrigin creates a new mock origin server.
func NewMockOrigin() *MockOrigin {
	mock := &MockOrigin{
		handlers: make(map[string]func(w http.ResponseWriter, r *http.Request)),
		requests: make(map[string]int),
	}

	mock.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mock.mu.Lock()
		mock.total++
		mock.requests[r.URL.Path]++
		handler, exists := mock.handlers[r.URL.Path]
		mock.mu.Unlock()

		if exists {
			handler(w, r)
			return
		}
		http.NotFound(w, r)
	}))

	return mock
}

// URL returns the mock server URL.
func (m *MockOrigin) URL() string {
	return m.server.URL
}

// Origin returns the mock server URL parsed.
func (m *MockOrigin) Origin() *url.URL {
	u, _ := url.Parse(m.server.URL)
	return u
}

// Close shuts down the mock server.
func (m *MockOrigin) Close() {
	m.server.Close()
}

// SetOffline makes the client transport fail every request while offline is true.
func (m *MockOrigin) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

// Client returns an HTTP client whose transport honours SetOffline.
func (m *MockOrigin) Client() *http.Client {
	return &http.Client{Transport: &offlineTransport{mock: m}}
}

// Reset clears all tracking counters.
func (m *MockOrigin) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.total = 0
	m.requests = make(map[string]int)
}

// SetHandler sets a custom handler for a specific path.
func (m *MockOrigin) SetHandler(path string, handler func(w http.ResponseWriter, r *http.Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[path] = handler
}

// SetResponse configures a simple response for a path.
func (m *MockOrigin) SetResponse(path string, resp MockResponse) {
	m.SetHandler(path, func(w http.ResponseWriter, r *http.Request) {
		if resp.Delay > 0 {
			time.Sleep(resp.Delay)
		}
		for key, value := range resp.Headers {
			w.Header().Set(key, value)
		}
		w.WriteHeader(resp.StatusCode)
		if resp.Body != "" {
			w.Write([]byte(resp.Body))
		}
	})
}

// RequestCount returns the number of requests the server saw for path.
func (m *MockOrigin) RequestCount(path string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.requests[path]
}

// TotalRequests returns the number of requests the server saw.
func (m *MockOrigin) TotalRequests() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}

type offlineTransport struct {
	mock *MockOrigin
}

func (t *offlineTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.mock.mu.RLock()
	offline := t.mock.offline
	t.mock.mu.RUnlock()
	if offline {
		return nil, ErrOffline
	}
	return http.DefaultTransport.RoundTrip(req)
}

// NewAssetResponse creates a 200 OK response with the given content type.
func NewAssetResponse(contentType, body string) MockResponse {
	return MockResponse{
		StatusCode: http.StatusOK,
		Body:       body,
		Headers: map[string]string{
			"Content-Type": contentType,
		},
	}
}

// NewScriptResponse creates a 200 OK JavaScript response.
func NewScriptResponse(body string) MockResponse {
	return NewAssetResponse("application/javascript", body)
}

// NewHTMLResponse creates a 200 OK HTML response.
func NewHTMLResponse(body string) MockResponse {
	return NewAssetResponse("text/html; charset=utf-8", body)
}

// NewImageResponse creates a 200 OK PNG response.
func NewImageResponse(body string) MockResponse {
	return NewAssetResponse("image/png", body)
}

// NewServerErrorResponse creates a 500 Internal Server Error response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusInternalServerError,
		Body:       "internal server error",
		Headers: map[string]string{
			"Content-Type": "text/plain",
		},
	}
}
