package precache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/network"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
)

var precacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shellcache_precache_total",
	Help: "Total precache fetches by result",
}, []string{"result"})

// Config holds batch fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel fetches
	MaxConcurrency int
	// Timeout per path fetch, including reading the body
	Timeout time.Duration
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 6,
		Timeout:        15 * time.Second,
	}
}

// Result is the outcome of fetching a single path
type Result struct {
	Path    string
	Request *http.Request
	Entry   *cache.Entry
	Err     error
}

// BatchFetcher fetches a list of paths using a worker pool
type BatchFetcher struct {
	fetcher network.Fetcher
	origin  *url.URL
	config  Config
}

// NewBatchFetcher creates a new batch fetcher. Paths are resolved against origin.
func NewBatchFetcher(fetcher network.Fetcher, origin *url.URL, config Config) *BatchFetcher {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 6
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &BatchFetcher{
		fetcher: fetcher,
		origin:  origin,
		config:  config,
	}
}

type job struct {
	index int
	path  string
}

// FetchAll fetches every path and returns one Result per path, in input order.
// Paths left unfetched because ctx ended carry ctx's error.
func (bf *BatchFetcher) FetchAll(ctx context.Context, paths []string) []Result {
	start := time.Now()
	results := make([]Result, len(paths))
	if len(paths) == 0 {
		return results
	}

	workers := bf.config.MaxConcurrency
	if workers > len(paths) {
		workers = len(paths)
	}

	jobs := make(chan job, len(paths))
	for i, path := range paths {
		results[i] = Result{Path: path}
		jobs <- job{index: i, path: path}
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go bf.worker(ctx, jobs, results, &wg, i)
	}
	wg.Wait()

	failed := 0
	for i := range results {
		if results[i].Err == nil && results[i].Entry == nil {
			results[i].Err = fmt.Errorf("not fetched: %w", context.Cause(ctx))
		}
		if results[i].Err != nil {
			failed++
		}
	}

	log.Info().
		Int("paths", len(paths)).
		Int("failed", failed).
		Dur("duration", time.Since(start)).
		Msg("Precache complete")

	return results
}

// worker processes paths from the queue. Each worker owns the result slots of
// the jobs it receives.
func (bf *BatchFetcher) worker(ctx context.Context, jobs <-chan job, results []Result, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for j := range jobs {
		select {
		case <-ctx.Done():
			log.Debug().
				Int("worker_id", workerID).
				Int("paths_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		default:
		}

		req, entry, err := bf.fetchOne(ctx, j.path)
		results[j.index].Request = req
		results[j.index].Entry = entry
		results[j.index].Err = err

		if err != nil {
			precacheTotal.WithLabelValues("error").Inc()
			log.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("path", j.path).
				Msg("Precache fetch failed")
		} else {
			precacheTotal.WithLabelValues("ok").Inc()
		}
		processed++
	}

	if processed > 0 {
		log.Debug().
			Int("worker_id", workerID).
			Int("paths_processed", processed).
			Msg("Worker completed")
	}
}

func (bf *BatchFetcher) fetchOne(ctx context.Context, path string) (*http.Request, *cache.Entry, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, bf.config.Timeout)
	defer cancel()

	target, err := url.Parse(path)
	if err != nil {
		return nil, nil, fmt.Errorf("parse path: %w", err)
	}
	if bf.origin != nil {
		target = bf.origin.ResolveReference(target)
	}

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build request: %w", err)
	}

	resp, err := bf.fetcher.Fetch(fetchCtx, req)
	if err != nil {
		return req, nil, err
	}

	entry, err := cache.ResponseToEntry(resp.Response, resp.Type)
	if err != nil {
		return req, nil, err
	}
	resp.Body.Close()

	// Detach from the fetch timeout so the caller can use the request to store
	return req.WithContext(context.Background()), entry, nil
}
