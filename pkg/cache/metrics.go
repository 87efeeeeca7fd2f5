package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CacheHits tracks WSDL cache hits
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snsoap_wsdl_cache_hits_total",
			Help: "Total number of WSDL cache hits",
		},
	)

	// CacheMisses tracks WSDL cache misses
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snsoap_wsdl_cache_misses_total",
			Help: "Total number of WSDL cache misses",
		},
	)

	// CacheSize tracks bytes written to the cache
	CacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snsoap_wsdl_cache_size_bytes",
			Help: "Bytes of WSDL data written to the cache",
		},
	)

	// CacheErrors tracks cache operation errors
	CacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snsoap_wsdl_cache_errors_total",
			Help: "Total number of WSDL cache operation errors",
		},
		[]string{"operation"}, // "get", "set", "delete"
	)
)
