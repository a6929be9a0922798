// Package executor scatters one equality lookup per cell over a worker pool,
// then merges, deduplicates and exactly filters the results.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const (
	DefaultWorkers         = 8
	DefaultSubQueryTimeout = 2 * time.Second

	// guards against a store that never exhausts its cursor
	maxPagesPerQuery = 10000
)

var (
	ErrPartialResults = errors.New("partial results")
	ErrScatterFailed  = errors.New("scatter failed")
)

// PartialResultsError reports cells whose sub-queries failed. Entries holds
// the filtered results of the cells that succeeded.
type PartialResultsError struct {
	Level     int
	Succeeded model.Cells
	Failed    model.Cells
	Causes    map[string]error
	Entries   []model.Entry
}

func (e *PartialResultsError) Error() string {
	first := ""
	if len(e.Failed) > 0 {
		first = fmt.Sprintf(" (first: %s: %v)", e.Failed[0], e.Causes[e.Failed[0]])
	}
	return fmt.Sprintf("partial results: %d of %d cells failed at level %d%s",
		len(e.Failed), len(e.Failed)+len(e.Succeeded), e.Level, first)
}

func (e *PartialResultsError) Unwrap() error { return ErrPartialResults }

type Config struct {
	Workers         int
	PageSize        int
	SubQueryTimeout time.Duration
	// Batch sends all cells in one multi-value query when the store supports it.
	Batch bool
}

type Executor struct {
	store  store.Store
	cfg    Config
	logger *slog.Logger
}

func New(s store.Store, cfg Config, logger *slog.Logger) *Executor {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	cfg.PageSize = store.PageSize(cfg.PageSize)
	if cfg.SubQueryTimeout <= 0 {
		cfg.SubQueryTimeout = DefaultSubQueryTimeout
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{store: s, cfg: cfg, logger: logger}
}

type job struct {
	idx    int
	tokens []string
}

type result struct {
	job     job
	records []model.Record
	err     error
}

type outcome struct {
	level     int
	entries   []model.Entry
	succeeded model.Cells
	failed    model.Cells
	causes    map[string]error
}

// Execute runs the lookups for cells at level and returns the entries inside
// box, in cell order then store order.
func (e *Executor) Execute(ctx context.Context, level int, cells model.Cells, box model.BBox) ([]model.Entry, error) {
	if err := box.Validate(); err != nil {
		return nil, err
	}
	out := e.run(ctx, level, cells, box)
	return out.entries, e.classify(ctx, out)
}

// Retry re-runs only the failed cells of perr and merges them with the
// entries already gathered.
func (e *Executor) Retry(ctx context.Context, perr *PartialResultsError, box model.BBox) ([]model.Entry, error) {
	if perr == nil {
		return nil, errors.New("retry: nil partial result")
	}
	out := e.run(ctx, perr.Level, perr.Failed, box)
	out.entries = mergeEntries(perr.Entries, out.entries)
	out.succeeded = append(slices.Clone(perr.Succeeded), out.succeeded...)
	return out.entries, e.classify(ctx, out)
}

func (e *Executor) classify(ctx context.Context, out outcome) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("scatter at level %d canceled: %w", out.level, err)
	}
	if len(out.failed) == 0 {
		return nil
	}
	if len(out.succeeded) == 0 {
		observability.IncScatterFailed()
		causes := make([]error, 0, len(out.failed))
		for _, c := range out.failed {
			causes = append(causes, out.causes[c])
		}
		return fmt.Errorf("%w: all %d cells at level %d: %w", ErrScatterFailed, len(out.failed), out.level, errors.Join(causes...))
	}
	observability.IncPartialResults()
	e.logger.Warn("scatter partial", "level", out.level,
		"succeeded", len(out.succeeded), "failed", len(out.failed))
	return &PartialResultsError{
		Level:     out.level,
		Succeeded: out.succeeded,
		Failed:    out.failed,
		Causes:    out.causes,
		Entries:   out.entries,
	}
}

func (e *Executor) jobs(cells model.Cells) []job {
	if bq, ok := e.store.(store.BatchQuerier); ok && e.cfg.Batch {
		size := max(bq.MaxBatchValues(), 1)
		var out []job
		for chunk := range slices.Chunk([]string(cells), size) {
			out = append(out, job{idx: len(out), tokens: chunk})
		}
		return out
	}
	out := make([]job, len(cells))
	for i, c := range cells {
		out[i] = job{idx: i, tokens: []string{c}}
	}
	return out
}

func (e *Executor) run(ctx context.Context, level int, cells model.Cells, box model.BBox) outcome {
	out := outcome{level: level, causes: map[string]error{}}
	if len(cells) == 0 || ctx.Err() != nil {
		return out
	}
	field := indexer.FieldName(level)
	work := e.jobs(cells)

	jobs := make(chan job, len(work))
	results := make(chan result, len(work))

	workerN := min(e.cfg.Workers, len(work))
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for j := range jobs {
				select {
				case <-ctx.Done():
					results <- result{job: j, err: ctx.Err()}
					continue
				default:
				}
				start := time.Now()
				recs, err := e.fetch(ctx, field, j.tokens)
				observability.ObserveSubQuery(err, time.Since(start).Seconds())
				results <- result{job: j, records: recs, err: err}
			}
		}()
	}
	for _, j := range work {
		jobs <- j
	}
	close(jobs)
	wg.Wait()
	close(results)

	ordered := make([]result, len(work))
	for r := range results {
		ordered[r.job.idx] = r
	}

	seen := make(map[string]struct{})
	for _, r := range ordered {
		if r.err != nil {
			for _, t := range r.job.tokens {
				out.failed = append(out.failed, t)
				out.causes[t] = r.err
			}
			continue
		}
		out.succeeded = append(out.succeeded, r.job.tokens...)
		for _, rec := range r.records {
			if _, dup := seen[rec.ID]; dup {
				continue
			}
			seen[rec.ID] = struct{}{}
			if box.Contains(rec.Coord) {
				out.entries = append(out.entries, model.EntryFromRecord(rec))
			}
		}
	}
	e.logger.Debug("scatter done", "level", level, "cells", len(cells),
		"jobs", len(work), "entries", len(out.entries), "failed", len(out.failed))
	return out
}

// fetch pages through one lookup under the sub-query timeout.
func (e *Executor) fetch(ctx context.Context, field string, tokens []string) ([]model.Record, error) {
	qctx, cancel := context.WithTimeout(ctx, e.cfg.SubQueryTimeout)
	defer cancel()

	var recs []model.Record
	cursor := ""
	for range maxPagesPerQuery {
		page, err := e.store.QueryEquals(qctx, field, tokens, cursor, e.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("query %s=%v: %w", field, tokens, err)
		}
		recs = append(recs, page.Records...)
		if page.Cursor == "" {
			return recs, nil
		}
		if page.Cursor == cursor {
			return nil, fmt.Errorf("query %s=%v: cursor %q did not advance", field, tokens, cursor)
		}
		cursor = page.Cursor
	}
	return nil, fmt.Errorf("query %s=%v: more than %d pages", field, tokens, maxPagesPerQuery)
}

func mergeEntries(a, b []model.Entry) []model.Entry {
	out := make([]model.Entry, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]model.Entry{a, b} {
		for _, en := range list {
			if _, dup := seen[en.ID]; dup {
				continue
			}
			seen[en.ID] = struct{}{}
			out = append(out, en)
		}
	}
	return out
}
