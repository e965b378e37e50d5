// Package cache provides named cache partitions for stored HTTP responses.
//
// A Storage holds any number of partitions, each a key-value store that maps a
// request identity to a response snapshot (Entry). Partitions enumerate their keys
// in insertion order, which is what FIFO eviction relies on.
//
// Three backends are provided:
//
//   - MemoryStorage: process-local maps, the default for tests and single instances
//   - RedisStorage: shared partitions in Redis (hash + sorted set per partition)
//   - SQLiteStorage: a single-file database that survives restarts
//
// # Basic Usage
//
//	storage := cache.NewMemoryStorage()
//
//	shell, err := storage.Open(ctx, "app-shell-v1")
//	if err != nil {
//		return err
//	}
//
//	// Store a snapshot of a response
//	entry, err := cache.ResponseToEntry(resp, cache.TypeBasic)
//	if err != nil {
//		return err
//	}
//	if err := shell.Put(ctx, req, entry); err != nil {
//		return err
//	}
//
//	// Look the request up in every partition
//	entry, name, err := cache.MatchAny(ctx, storage, req)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// Cache miss - go to the network
//	}
//
// # Metrics
//
//   - shellcache_cache_hits_total{partition} - Lookups answered from a partition
//   - shellcache_cache_misses_total - Lookups no partition could answer
//   - shellcache_cache_writes_total{partition} - Entries written
//   - shellcache_cache_errors_total{operation} - Backend errors
//   - shellcache_evictions_total - Entries removed by the size bound
package cache
