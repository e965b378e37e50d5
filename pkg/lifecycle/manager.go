// Package lifecycle manages cache partitions across worker versions: it
// precaches the application shell at install, deletes partitions of older
// versions at activation and keeps the dynamic partition within its bound.
package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Sternrassler/shellcache/pkg/cache"
	"github.com/Sternrassler/shellcache/pkg/config"
	"github.com/Sternrassler/shellcache/pkg/precache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var partitionsDeletedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "shellcache_partitions_deleted_total",
	Help: "Total partitions deleted by reason",
}, []string{"reason"}) // "stale", "clear"

// InstallReport summarizes an install run.
type InstallReport struct {
	// Partition is the shell partition that was populated
	Partition string

	// Stored lists the paths stored in the shell partition
	Stored []string

	// Failed maps paths that could not be stored to the reason
	Failed map[string]error

	// Duration is the wall time of the install
	Duration time.Duration
}

// Complete reports whether every path was stored.
func (r InstallReport) Complete() bool {
	return len(r.Failed) == 0
}

// Manager performs the cache lifecycle operations.
type Manager struct {
	storage cache.Storage
	batch   *precache.BatchFetcher
	policy  config.Policy
	logger  zerolog.Logger
}

// NewManager creates a lifecycle manager. batch may be nil when nothing is precached.
func NewManager(storage cache.Storage, batch *precache.BatchFetcher, policy config.Policy) *Manager {
	return &Manager{
		storage: storage,
		batch:   batch,
		policy:  policy,
		logger:  log.With().Str("component", "lifecycle").Logger(),
	}
}

// Install opens the shell partition and stores every app-shell path that
// answers 200. Fetch failures are logged and reported, never returned; the
// error is reserved for a shell partition that cannot be opened.
func (m *Manager) Install(ctx context.Context) (InstallReport, error) {
	start := time.Now()
	name := m.policy.ShellPartition()
	report := InstallReport{
		Partition: name,
		Failed:    make(map[string]error),
	}

	shell, err := m.storage.Open(ctx, name)
	if err != nil {
		return report, fmt.Errorf("open shell partition %q: %w", name, err)
	}

	if m.batch != nil {
		for _, r := range m.batch.FetchAll(ctx, m.policy.AppShell) {
			if r.Err != nil {
				report.Failed[r.Path] = r.Err
				continue
			}
			if r.Entry.StatusCode != http.StatusOK {
				report.Failed[r.Path] = fmt.Errorf("unexpected status %d", r.Entry.StatusCode)
				continue
			}
			if err := shell.Put(ctx, r.Request, r.Entry); err != nil {
				report.Failed[r.Path] = fmt.Errorf("store: %w", err)
				continue
			}
			cache.CacheWrites.WithLabelValues(name).Inc()
			report.Stored = append(report.Stored, r.Path)
		}
	}
	report.Duration = time.Since(start)

	for path, reason := range report.Failed {
		m.logger.Warn().
			Err(reason).
			Str("partition", name).
			Str("path", path).
			Msg("App shell path not cached")
	}
	m.logger.Info().
		Str("partition", name).
		Int("stored", len(report.Stored)).
		Int("failed", len(report.Failed)).
		Dur("duration", report.Duration).
		Msg("Install complete")

	return report, nil
}

// Activate deletes every partition other than the current shell and dynamic
// partitions and returns the deleted names.
func (m *Manager) Activate(ctx context.Context) ([]string, error) {
	names, err := m.storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	keep := map[string]bool{
		m.policy.ShellPartition():   true,
		m.policy.DynamicPartition(): true,
	}

	var deleted []string
	for _, name := range names {
		if keep[name] {
			continue
		}
		ok, err := m.storage.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("delete partition %q: %w", name, err)
		}
		if ok {
			partitionsDeletedTotal.WithLabelValues("stale").Inc()
			deleted = append(deleted, name)
			m.logger.Info().Str("partition", name).Msg("Deleted stale partition")
		}
	}
	return deleted, nil
}

// EnforceLimit deletes the oldest entry of partition when it holds bound or
// more entries. It removes at most one entry per call, so a partition only
// converges to the bound over successive insertions.
func (m *Manager) EnforceLimit(ctx context.Context, partition string, bound int) error {
	p, err := m.storage.Open(ctx, partition)
	if err != nil {
		return fmt.Errorf("open partition %q: %w", partition, err)
	}

	n, err := p.Len(ctx)
	if err != nil {
		return fmt.Errorf("count partition %q: %w", partition, err)
	}
	if n < bound {
		return nil
	}

	keys, err := p.Keys(ctx)
	if err != nil {
		return fmt.Errorf("list keys of %q: %w", partition, err)
	}
	if len(keys) == 0 {
		return nil
	}

	if _, err := p.Delete(ctx, keys[0]); err != nil {
		return fmt.Errorf("evict %q: %w", keys[0], err)
	}
	cache.Evictions.Inc()
	m.logger.Debug().
		Str("partition", partition).
		Str("key", keys[0]).
		Int("count", n).
		Int("bound", bound).
		Msg("Evicted oldest entry")
	return nil
}

// Clear deletes the named partition and reports whether it existed.
func (m *Manager) Clear(ctx context.Context, name string) (bool, error) {
	ok, err := m.storage.Delete(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete partition %q: %w", name, err)
	}
	if ok {
		partitionsDeletedTotal.WithLabelValues("clear").Inc()
	}
	m.logger.Info().Str("partition", name).Bool("existed", ok).Msg("Cleared partition")
	return ok, nil
}
