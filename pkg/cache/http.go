package cache

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// ResponseToEntry converts an HTTP response to an Entry.
// It reads the response body and restores it so the caller can still
// return the response. Cookies set by the response and hop-by-hop headers
// are left out of the entry; the response itself is not modified.
func ResponseToEntry(resp *http.Response, typ ResponseType) (*Entry, error) {
	if resp == nil {
		return nil, fmt.Errorf("response cannot be nil")
	}

	var body []byte
	if resp.Body != nil {
		var err error
		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response body: %w", err)
		}
		resp.Body.Close()
	}

	// Restore body for caller
	resp.Body = io.NopCloser(bytes.NewReader(body))

	entry := &Entry{
		StatusCode: resp.StatusCode,
		Type:       typ,
		Headers:    storedHeaders(resp.Header),
		Data:       body,
		StoredAt:   time.Now(),
	}
	if entry.Headers == nil {
		entry.Headers = http.Header{}
	}
	if resp.Request != nil && resp.Request.URL != nil {
		entry.URL = resp.Request.URL.String()
	}

	return entry, nil
}

// privateHeaders belong to the client the response was fetched for and are
// never replayed from a partition.
var privateHeaders = []string{
	"Set-Cookie",
	"Set-Cookie2",
}

// hopHeaders apply to a single connection.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// storedHeaders returns the part of h that may be served to any client.
func storedHeaders(h http.Header) http.Header {
	out := h.Clone()
	if out == nil {
		return http.Header{}
	}
	RemoveHopHeaders(out)
	for _, name := range privateHeaders {
		out.Del(name)
	}
	return out
}

// RemoveHopHeaders deletes the hop-by-hop headers from h, including any
// header named by Connection.
func RemoveHopHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = textproto.TrimString(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// EntryToResponse converts a stored entry back into an HTTP response for req.
// Each call returns an independent body reader.
func EntryToResponse(entry *Entry, req *http.Request) *http.Response {
	if entry == nil {
		return nil
	}

	header := entry.Headers.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("Content-Length", strconv.Itoa(len(entry.Data)))

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", entry.StatusCode, http.StatusText(entry.StatusCode)),
		StatusCode:    entry.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(entry.Data)),
		ContentLength: int64(len(entry.Data)),
		Request:       req,
	}
}
