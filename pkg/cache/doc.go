// Package cache stores parsed WSDL documents in Redis so that binding a
// table does not cost a WSDL download on every client start.
//
// Query results are never cached; only the per-table service description is.
//
// # Basic Usage
//
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Instance: "dev12345", Table: "incident"}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch incident.do?WSDL
//	}
//
// # HTTP Response Caching
//
//	entry, err := cache.ResponseToEntry(resp, operations, cache.DefaultTTL)
//	if err != nil {
//		return err
//	}
//	if err := manager.Set(ctx, key, entry); err != nil {
//		return err
//	}
//
// # Metrics
//
//   - snsoap_wsdl_cache_hits_total - Cache hits
//   - snsoap_wsdl_cache_misses_total - Cache misses
//   - snsoap_wsdl_cache_size_bytes - Bytes written to the cache
//   - snsoap_wsdl_cache_errors_total{operation} - Cache operation errors
package cache
