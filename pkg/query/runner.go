// Package query runs table queries against a ServiceNow SOAP binding and
// exposes the results as a lazy sequence of pages.
//
// A query runs in one of two modes. In identifier mode the caller supplies
// sys_ids, which are deduplicated and fetched page_size at a time. In
// parameter mode the params are encoded into a filter, the matching sys_ids
// are resolved once with getKeys, and the result is fetched the same way.
//
//	runner := query.NewRunner(binding)
//	pages, err := runner.Run(query.Request{
//		Table:  "incident",
//		Params: map[string]any{"active": false},
//	})
//	if err != nil {
//		return err
//	}
//	for page, err := range pages.All(ctx) {
//		if err != nil {
//			return err
//		}
//		for _, rec := range page {
//			// ...
//		}
//	}
package query

import (
	"context"
	"fmt"

	"github.com/Sternrassler/sn-soap-client/pkg/logging"
	"github.com/rs/zerolog"
)

// DefaultPageSize matches the getRecords response ceiling enforced by ServiceNow.
const DefaultPageSize = 250

// Record is a single row returned by getRecords.
type Record interface {
	// Get returns the value of field and whether the record carries it.
	Get(field string) (string, bool)
	// SysID returns the record's unique identifier.
	SysID() string
}

// ServiceBinding is the transport the runner drives. Implementations map
// remote faults to errors; the runner wraps them in RetrievalError.
type ServiceBinding interface {
	// ResolveKeys returns the sys_ids matching filter (getKeys).
	ResolveKeys(ctx context.Context, table, filter string) ([]string, error)
	// FetchRecords returns the records for exactly the given sys_ids (getRecords).
	FetchRecords(ctx context.Context, table string, ids []string) ([]Record, error)
	// MaxPageSize is the largest number of records one getRecords call may return.
	MaxPageSize() int
}

// Request describes a single query.
type Request struct {
	// Table is the ServiceNow table name (e.g. "incident"). Required.
	Table string

	// Params are field equality filters. The EncodedQueryKey entry, if set,
	// is used verbatim instead. Nil means every record in the table.
	Params map[string]any

	// SysIDs selects records directly. When non-empty Params is ignored.
	SysIDs []string

	// PageSize is the maximum number of records per page (0 = DefaultPageSize).
	PageSize int
}

// Mode is the retrieval strategy chosen for a Request.
type Mode string

const (
	// ModeIdentifiers fetches caller-supplied sys_ids.
	ModeIdentifiers Mode = "identifiers"

	// ModeParameters resolves sys_ids from a filter first.
	ModeParameters Mode = "parameters"
)

// Runner orchestrates chunked retrieval over a ServiceBinding.
// A Runner holds no per-query state and may serve any number of queries.
type Runner struct {
	binding ServiceBinding
	logger  zerolog.Logger
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger used by the runner.
func WithLogger(logger zerolog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// NewRunner creates a runner on top of binding.
func NewRunner(binding ServiceBinding, opts ...Option) *Runner {
	if binding == nil {
		panic("service binding cannot be nil")
	}

	r := &Runner{
		binding: binding,
		logger:  logging.NewLogger(logging.ComponentQuery),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run validates req and returns the page sequence for it. No network call
// happens until the first Pages.Next.
func (r *Runner) Run(req Request) (*Pages, error) {
	if req.Table == "" {
		return nil, &ConfigurationError{Field: "table", Reason: "must not be empty"}
	}

	pageSize, err := r.pageSize(req.PageSize)
	if err != nil {
		return nil, err
	}

	ids := dedupe(req.SysIDs)
	p := &Pages{
		binding:  r.binding,
		table:    req.Table,
		pageSize: pageSize,
		logger:   logging.ForTable(r.logger, req.Table),
		state:    StateInitial,
	}

	if len(ids) > 0 {
		if len(req.Params) > 0 {
			r.logger.Debug().
				Str("table", req.Table).
				Msg("Both sys_ids and params given, using sys_ids")
		}
		p.mode = ModeIdentifiers
		p.setChunks(ids)
	} else {
		p.mode = ModeParameters
		p.filter = EncodeFilter(req.Params)
	}

	p.logger.Debug().
		Str("mode", string(p.mode)).
		Int("page_size", pageSize).
		Str("filter", p.filter).
		Msg("Query prepared")

	return p, nil
}

// pageSize validates the requested page size against the binding's ceiling.
func (r *Runner) pageSize(requested int) (int, error) {
	limit := r.binding.MaxPageSize()
	if limit <= 0 {
		limit = DefaultPageSize
	}

	switch {
	case requested == 0:
		if limit < DefaultPageSize {
			return limit, nil
		}
		return DefaultPageSize, nil
	case requested < 0:
		return 0, &ConfigurationError{Field: "page_size", Reason: "must be positive"}
	case requested > limit:
		return 0, &ConfigurationError{
			Field:  "page_size",
			Reason: fmt.Sprintf("%d exceeds remote maximum of %d", requested, limit),
		}
	default:
		return requested, nil
	}
}
