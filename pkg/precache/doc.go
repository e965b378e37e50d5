// Package precache fetches the application shell in parallel at install time.
//
// A bounded worker pool drains the path list, each fetch gets its own
// timeout, and every path yields exactly one Result. Failures never abort
// the batch: the caller decides what to store and what to log.
//
// Example usage:
//
//	bf := precache.NewBatchFetcher(fetcher, origin, precache.DefaultConfig())
//	for _, r := range bf.FetchAll(ctx, policy.AppShell) {
//		if r.Err == nil && r.Entry.StatusCode == http.StatusOK {
//			shell.Put(ctx, r.Request, r.Entry)
//		}
//	}
package precache
