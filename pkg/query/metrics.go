package query

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snsoap_query_pages_total",
			Help: "Total number of pages delivered by query mode",
		},
		[]string{"mode"}, // "identifiers", "parameters"
	)

	recordsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snsoap_query_records_total",
			Help: "Total number of records delivered by query mode",
		},
		[]string{"mode"},
	)

	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snsoap_queries_total",
			Help: "Total number of finished queries by mode and result",
		},
		[]string{"mode", "result"}, // "done", "failed"
	)
)
