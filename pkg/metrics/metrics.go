// Package metrics exposes the Prometheus metrics of the SOAP client.
// The metrics themselves are defined in their packages (client, query, cache,
// ratelimit) with promauto; this package serves them and keeps the catalog.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer every package registers its metrics with.
var Registry = prometheus.DefaultRegisterer

// Path is where Handler is mounted by Serve.
const Path = "/metrics"

// Catalog lists every metric the module registers.
var Catalog = []string{
	// pkg/client
	"snsoap_requests_total",
	"snsoap_request_duration_seconds",
	"snsoap_errors_total",
	"snsoap_retries_total",
	"snsoap_retry_backoff_seconds",
	"snsoap_retry_exhausted_total",
	// pkg/query
	"snsoap_query_pages_total",
	"snsoap_query_records_total",
	"snsoap_queries_total",
	// pkg/cache
	"snsoap_wsdl_cache_hits_total",
	"snsoap_wsdl_cache_misses_total",
	"snsoap_wsdl_cache_size_bytes",
	"snsoap_wsdl_cache_errors_total",
	// pkg/ratelimit
	"snsoap_rate_limit_remaining",
	"snsoap_rate_limit_blocks_total",
	"snsoap_rate_limit_throttles_total",
}

// Handler returns the HTTP handler exposing the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes Handler on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(Path, Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Metrics server shutdown error")
		}
	}()

	logger.Info().Str("addr", addr).Str("path", Path).Msg("Serving metrics")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Example Prometheus Queries:
//
//	# WSDL cache hit rate
//	sum(rate(snsoap_wsdl_cache_hits_total[5m])) /
//	(sum(rate(snsoap_wsdl_cache_hits_total[5m])) + sum(rate(snsoap_wsdl_cache_misses_total[5m])))
//
//	# Failed queries
//	rate(snsoap_queries_total{result="failed"}[5m])
//
//	# SOAP faults vs transport errors
//	sum by (class) (rate(snsoap_errors_total[5m]))
//
//	# P95 getRecords latency
//	histogram_quantile(0.95, rate(snsoap_request_duration_seconds_bucket{operation="getRecords"}[5m]))
//
//	# Rate limit headroom
//	snsoap_rate_limit_remaining < 50
