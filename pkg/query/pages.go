package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/rs/zerolog"
)

// Page is the result of one getRecords chunk.
type Page []Record

// State is the lifecycle position of a Pages sequence.
type State string

const (
	StateInitial      State = "initial"
	StateKeyRetrieval State = "key_retrieval"
	StateChunking     State = "chunking"
	StateFetching     State = "fetching"
	StateDone         State = "done"
	StateFailed       State = "failed"
)

// Pages is a lazy, single-use sequence of pages for one query. Each call to
// Next issues at most one remote request. Pages is not safe for concurrent use.
type Pages struct {
	binding  ServiceBinding
	table    string
	mode     Mode
	filter   string
	pageSize int
	logger   zerolog.Logger

	state   State
	chunks  [][]string
	next    int
	total   int // sys_ids to fetch
	records int // records delivered so far
	err     error
	started time.Time
}

// Mode returns the retrieval strategy of this query.
func (p *Pages) Mode() Mode { return p.mode }

// Filter returns the encoded query sent to getKeys. Empty in identifier mode.
func (p *Pages) Filter() string { return p.filter }

// State returns the current lifecycle state.
func (p *Pages) State() State { return p.state }

// Err returns the error that moved the sequence to StateFailed, if any.
func (p *Pages) Err() error { return p.err }

// Next fetches and returns the next page. It returns ErrDone once all chunks
// have been delivered. After a failure it keeps returning the same error
// without contacting the remote again.
func (p *Pages) Next(ctx context.Context) (Page, error) {
	switch p.state {
	case StateDone:
		return nil, ErrDone
	case StateFailed:
		return nil, p.err
	}

	if p.started.IsZero() {
		p.started = time.Now()
	}

	if p.state == StateInitial && p.mode == ModeParameters {
		if err := p.resolveKeys(ctx); err != nil {
			return nil, err
		}
	}

	for p.next < len(p.chunks) {
		page, err := p.fetch(ctx, p.next)
		if err != nil {
			return nil, err
		}
		p.next++

		if len(page) == 0 {
			// None of the chunk's sys_ids exist any more.
			p.logger.Debug().Int("chunk", p.next-1).Msg("Chunk returned no records")
			continue
		}

		if p.next == len(p.chunks) {
			p.finish()
		}
		return page, nil
	}

	p.finish()
	return nil, ErrDone
}

// All returns an iterator over the remaining pages. Iteration stops after the
// first error, which is yielded with a nil page.
func (p *Pages) All(ctx context.Context) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		for {
			page, err := p.Next(ctx)
			if errors.Is(err, ErrDone) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if !yield(page, nil) {
				return
			}
		}
	}
}

// resolveKeys runs getKeys once and chunks the result.
func (p *Pages) resolveKeys(ctx context.Context) error {
	p.state = StateKeyRetrieval

	keys, err := p.binding.ResolveKeys(ctx, p.table, p.filter)
	if err != nil {
		return p.fail(&RetrievalError{Table: p.table, Stage: StageGetKeys, Chunk: -1, Err: err})
	}

	p.setChunks(dedupe(keys))

	p.logger.Info().
		Str("filter", p.filter).
		Int("keys", p.total).
		Int("chunks", len(p.chunks)).
		Msg("Keys resolved")

	return nil
}

// setChunks partitions ids into page-sized chunks.
func (p *Pages) setChunks(ids []string) {
	p.state = StateChunking
	p.total = len(ids)
	p.chunks = chunk(ids, p.pageSize)
}

// fetch runs getRecords for chunk i.
func (p *Pages) fetch(ctx context.Context, i int) (Page, error) {
	p.state = StateFetching
	ids := p.chunks[i]

	if err := ctx.Err(); err != nil {
		return nil, p.fail(&RetrievalError{Table: p.table, Stage: StageGetRecords, Chunk: i, Err: err})
	}

	records, err := p.binding.FetchRecords(ctx, p.table, ids)
	if err != nil {
		return nil, p.fail(&RetrievalError{Table: p.table, Stage: StageGetRecords, Chunk: i, Err: err})
	}

	if len(records) > len(ids) {
		return nil, p.fail(&RetrievalError{
			Table: p.table,
			Stage: StageGetRecords,
			Chunk: i,
			Err:   fmt.Errorf("remote returned %d records for %d sys_ids", len(records), len(ids)),
		})
	}

	p.records += len(records)
	pagesFetched.WithLabelValues(string(p.mode)).Inc()
	recordsFetched.WithLabelValues(string(p.mode)).Add(float64(len(records)))

	p.logger.Debug().
		Int("chunk", i).
		Int("chunks", len(p.chunks)).
		Int("records", len(records)).
		Msg("Page fetched")

	return Page(records), nil
}

// fail moves the sequence to StateFailed and records err.
func (p *Pages) fail(err error) error {
	p.state = StateFailed
	p.err = err
	queriesTotal.WithLabelValues(string(p.mode), "failed").Inc()

	p.logger.Warn().
		Err(err).
		Int("chunk", p.next).
		Int("records_delivered", p.records).
		Msg("Query failed")

	return err
}

// finish moves the sequence to StateDone.
func (p *Pages) finish() {
	if p.state == StateDone {
		return
	}
	p.state = StateDone
	queriesTotal.WithLabelValues(string(p.mode), "done").Inc()

	p.logger.Info().
		Str("mode", string(p.mode)).
		Int("sys_ids", p.total).
		Int("records", p.records).
		Int("pages", len(p.chunks)).
		Dur("duration", time.Since(p.started)).
		Msg("Query complete")
}
