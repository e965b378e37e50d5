package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrCacheMiss indicates no stored response matched the request
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the stored entry is corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")
)

// Storage manages named partitions.
//
// Implementations must be safe for concurrent use.
type Storage interface {
	// Open returns the named partition, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)

	// Has reports whether the named partition exists.
	Has(ctx context.Context, name string) (bool, error)

	// Delete removes the named partition and all its entries.
	// It reports whether the partition existed.
	Delete(ctx context.Context, name string) (bool, error)

	// Names lists partitions in creation order.
	Names(ctx context.Context) ([]string, error)
}

// Partition is a single named key-value store of response snapshots.
//
// Writes to an existing key overwrite it and move it to the end of the
// insertion order.
type Partition interface {
	// Name returns the partition name.
	Name() string

	// Match returns the entry stored for req, or ErrCacheMiss.
	Match(ctx context.Context, req *http.Request) (*Entry, error)

	// Put stores entry under the key of req.
	Put(ctx context.Context, req *http.Request, entry *Entry) error

	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Keys lists stored keys in insertion order, oldest first.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the number of stored entries.
	Len(ctx context.Context) (int, error)
}

// MatchAny looks req up in every partition in creation order and returns the
// first match along with the name of the partition that answered.
// Backend errors on individual partitions are counted and skipped.
func MatchAny(ctx context.Context, s Storage, req *http.Request) (*Entry, string, error) {
	names, err := s.Names(ctx)
	if err != nil {
		CacheErrors.WithLabelValues("names").Inc()
		return nil, "", fmt.Errorf("list partitions: %w", err)
	}

	for _, name := range names {
		p, err := s.Open(ctx, name)
		if err != nil {
			CacheErrors.WithLabelValues("open").Inc()
			continue
		}
		entry, err := p.Match(ctx, req)
		if err != nil {
			if !errors.Is(err, ErrCacheMiss) {
				CacheErrors.WithLabelValues("match").Inc()
			}
			continue
		}
		CacheHits.WithLabelValues(name).Inc()
		return entry, name, nil
	}

	CacheMisses.Inc()
	return nil, "", ErrCacheMiss
}

// prepareEntry validates entry and records the Vary selection of req.
func prepareEntry(req *http.Request, entry *Entry) (*Entry, error) {
	if entry == nil {
		return nil, fmt.Errorf("cache entry cannot be nil")
	}
	if req.Method != "" && req.Method != http.MethodGet {
		return nil, fmt.Errorf("cannot store %s request", req.Method)
	}
	stored := entry.Clone()
	stored.captureVary(req)
	return stored, nil
}
