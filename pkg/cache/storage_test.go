package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"
)

func newGet(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func newEntry(body string) *Entry {
	return &Entry{
		StatusCode: 200,
		Type:       TypeBasic,
		Headers:    http.Header{"Content-Type": []string{"application/javascript"}},
		Data:       []byte(body),
		StoredAt:   time.Now(),
	}
}

// runStorageTests exercises the Storage contract against a backend.
func runStorageTests(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Run("open registers partitions in creation order", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()

		for _, name := range []string{"app-shell-v1", "dynamic-v1", "app-shell-v0"} {
			if _, err := s.Open(ctx, name); err != nil {
				t.Fatalf("Open(%s): %v", name, err)
			}
		}
		// Reopening must not change the order
		if _, err := s.Open(ctx, "app-shell-v1"); err != nil {
			t.Fatalf("reopen: %v", err)
		}

		names, err := s.Names(ctx)
		if err != nil {
			t.Fatalf("Names: %v", err)
		}
		want := []string{"app-shell-v1", "dynamic-v1", "app-shell-v0"}
		if fmt.Sprint(names) != fmt.Sprint(want) {
			t.Errorf("Names() = %v, want %v", names, want)
		}

		has, err := s.Has(ctx, "dynamic-v1")
		if err != nil || !has {
			t.Errorf("Has(dynamic-v1) = %v, %v", has, err)
		}
		has, err = s.Has(ctx, "missing")
		if err != nil || has {
			t.Errorf("Has(missing) = %v, %v", has, err)
		}
	})

	t.Run("open rejects empty name", func(t *testing.T) {
		s := newStorage(t)
		if _, err := s.Open(context.Background(), ""); err == nil {
			t.Error("expected error for empty partition name")
		}
	})

	t.Run("put then match returns identical body", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "app-shell-v1")

		body := "console.log('shell')"
		if err := p.Put(ctx, newGet(t, "https://app.example/app.js"), newEntry(body)); err != nil {
			t.Fatalf("Put: %v", err)
		}

		entry, err := p.Match(ctx, newGet(t, "https://app.example/app.js"))
		if err != nil {
			t.Fatalf("Match: %v", err)
		}
		if !bytes.Equal(entry.Data, []byte(body)) {
			t.Errorf("Data = %q, want %q", entry.Data, body)
		}
		if entry.StatusCode != 200 || entry.Type != TypeBasic {
			t.Errorf("entry = %d %s", entry.StatusCode, entry.Type)
		}
		if entry.Headers.Get("Content-Type") != "application/javascript" {
			t.Errorf("Content-Type = %q", entry.Headers.Get("Content-Type"))
		}
	})

	t.Run("match miss", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "app-shell-v1")

		_, err := p.Match(ctx, newGet(t, "https://app.example/missing.js"))
		if !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Match() error = %v, want ErrCacheMiss", err)
		}
	})

	t.Run("put rejects non-GET", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "dynamic-v1")

		req, _ := http.NewRequest(http.MethodPost, "https://app.example/form", nil)
		if err := p.Put(ctx, req, newEntry("x")); err == nil {
			t.Error("expected error storing POST request")
		}
		if err := p.Put(ctx, newGet(t, "https://app.example/a"), nil); err == nil {
			t.Error("expected error storing nil entry")
		}
	})

	t.Run("keys keep insertion order and overwrite moves to end", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "dynamic-v1")

		for _, path := range []string{"/a", "/b", "/c"} {
			if err := p.Put(ctx, newGet(t, "https://cdn.example"+path), newEntry(path)); err != nil {
				t.Fatalf("Put(%s): %v", path, err)
			}
		}
		if err := p.Put(ctx, newGet(t, "https://cdn.example/a"), newEntry("a2")); err != nil {
			t.Fatalf("overwrite: %v", err)
		}

		keys, err := p.Keys(ctx)
		if err != nil {
			t.Fatalf("Keys: %v", err)
		}
		want := []string{
			"GET:https://cdn.example/b",
			"GET:https://cdn.example/c",
			"GET:https://cdn.example/a",
		}
		if fmt.Sprint(keys) != fmt.Sprint(want) {
			t.Errorf("Keys() = %v, want %v", keys, want)
		}

		n, err := p.Len(ctx)
		if err != nil || n != 3 {
			t.Errorf("Len() = %d, %v; want 3", n, err)
		}

		entry, err := p.Match(ctx, newGet(t, "https://cdn.example/a"))
		if err != nil || string(entry.Data) != "a2" {
			t.Errorf("overwritten entry = %v, %v", entry, err)
		}
	})

	t.Run("delete entry", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "dynamic-v1")
		_ = p.Put(ctx, newGet(t, "https://cdn.example/a"), newEntry("a"))

		deleted, err := p.Delete(ctx, "GET:https://cdn.example/a")
		if err != nil || !deleted {
			t.Fatalf("Delete() = %v, %v", deleted, err)
		}
		deleted, err = p.Delete(ctx, "GET:https://cdn.example/a")
		if err != nil || deleted {
			t.Errorf("second Delete() = %v, %v", deleted, err)
		}
		if n, _ := p.Len(ctx); n != 0 {
			t.Errorf("Len() = %d, want 0", n)
		}
	})

	t.Run("delete partition drops entries", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "app-shell-v0")
		_ = p.Put(ctx, newGet(t, "https://app.example/old.js"), newEntry("old"))

		deleted, err := s.Delete(ctx, "app-shell-v0")
		if err != nil || !deleted {
			t.Fatalf("Delete() = %v, %v", deleted, err)
		}
		deleted, err = s.Delete(ctx, "app-shell-v0")
		if err != nil || deleted {
			t.Errorf("second Delete() = %v, %v", deleted, err)
		}

		reopened, _ := s.Open(ctx, "app-shell-v0")
		if n, _ := reopened.Len(ctx); n != 0 {
			t.Errorf("reopened partition has %d entries, want 0", n)
		}
	})

	t.Run("vary selects stored response", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		p, _ := s.Open(ctx, "dynamic-v1")

		req := newGet(t, "https://cdn.example/font.woff2")
		req.Header.Set("Accept-Encoding", "gzip")
		entry := newEntry("font")
		entry.Headers.Set("Vary", "Accept-Encoding")
		if err := p.Put(ctx, req, entry); err != nil {
			t.Fatalf("Put: %v", err)
		}

		same := newGet(t, "https://cdn.example/font.woff2")
		same.Header.Set("Accept-Encoding", "gzip")
		if _, err := p.Match(ctx, same); err != nil {
			t.Errorf("Match(same vary) error = %v", err)
		}

		other := newGet(t, "https://cdn.example/font.woff2")
		other.Header.Set("Accept-Encoding", "br")
		if _, err := p.Match(ctx, other); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("Match(other vary) error = %v, want ErrCacheMiss", err)
		}
	})

	t.Run("match any searches partitions in creation order", func(t *testing.T) {
		s := newStorage(t)
		ctx := context.Background()
		shell, _ := s.Open(ctx, "app-shell-v1")
		dynamic, _ := s.Open(ctx, "dynamic-v1")

		_ = dynamic.Put(ctx, newGet(t, "https://app.example/logo.png"), newEntry("dynamic"))
		_ = shell.Put(ctx, newGet(t, "https://app.example/logo.png"), newEntry("shell"))
		_ = dynamic.Put(ctx, newGet(t, "https://cdn.example/lib.js"), newEntry("lib"))

		entry, name, err := MatchAny(ctx, s, newGet(t, "https://app.example/logo.png"))
		if err != nil || name != "app-shell-v1" || string(entry.Data) != "shell" {
			t.Errorf("MatchAny(logo) = %v, %q, %v", entry, name, err)
		}

		entry, name, err = MatchAny(ctx, s, newGet(t, "https://cdn.example/lib.js"))
		if err != nil || name != "dynamic-v1" || string(entry.Data) != "lib" {
			t.Errorf("MatchAny(lib) = %v, %q, %v", entry, name, err)
		}

		if _, _, err := MatchAny(ctx, s, newGet(t, "https://app.example/none")); !errors.Is(err, ErrCacheMiss) {
			t.Errorf("MatchAny(none) error = %v, want ErrCacheMiss", err)
		}
	})
}
