package executor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/planner"
	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/internal/store/memstore"
)

const maxLevel = 12

// flakyStore fails lookups for chosen tokens and counts calls.
type flakyStore struct {
	*memstore.Store
	mu    sync.Mutex
	fail  map[string]error
	calls atomic.Int64
	delay time.Duration
}

func newFlaky() *flakyStore {
	return &flakyStore{Store: memstore.New(), fail: map[string]error{}}
}

func (f *flakyStore) setFail(tok string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.fail, tok)
		return
	}
	f.fail[tok] = err
}

func (f *flakyStore) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return store.Page{}, ctx.Err()
		}
	}
	f.mu.Lock()
	for _, v := range values {
		if err, ok := f.fail[v]; ok {
			f.mu.Unlock()
			return store.Page{}, err
		}
	}
	f.mu.Unlock()
	return f.Store.QueryEquals(ctx, field, values, cursor, limit)
}

// plainStore hides the batch capability of the wrapped store.
type plainStore struct{ store.Store }

var (
	sfBox      = model.BBox{South: 37.70, West: -122.52, North: 37.83, East: -122.35}
	oaklandBox = model.BBox{South: 37.75, West: -122.30, North: 37.85, East: -122.15}
)

type fixture struct {
	m *indexer.Maintainer
	p *planner.Planner
	s *flakyStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	m, err := indexer.New(indexer.Config{MaxLevel: maxLevel})
	if err != nil {
		t.Fatalf("indexer: %v", err)
	}
	p, err := planner.New(planner.Config{MaxLevel: maxLevel})
	if err != nil {
		t.Fatalf("planner: %v", err)
	}
	return &fixture{m: m, p: p, s: newFlaky()}
}

func (f *fixture) put(t *testing.T, id string, lat, lng float64) {
	t.Helper()
	e, err := f.m.Index(id, model.Coordinate{Lat: lat, Lng: lng}, map[string]string{"name": id})
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := f.s.Put(context.Background(), e); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func (f *fixture) query(t *testing.T, ex *Executor, bb model.BBox) ([]model.Entry, error) {
	t.Helper()
	plan, err := f.p.Plan(bb)
	if err != nil {
		t.Fatalf("Plan(%s): %v", bb, err)
	}
	return ex.Execute(context.Background(), plan.Level, plan.Cells, bb)
}

func ids(es []model.Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	slices.Sort(out)
	return out
}

func TestExecute_SanFranciscoAndOakland(t *testing.T) {
	f := newFixture(t)
	f.put(t, "sf-ferry-building", 37.7955, -122.3937)
	f.put(t, "sf-golden-gate-park", 37.7694, -122.4862)
	f.put(t, "oakland-lake-merritt", 37.8019, -122.2587)
	f.put(t, "berkeley", 37.8715, -122.2730)
	f.put(t, "new-york", 40.7128, -74.0060)

	ex := New(f.s, Config{}, nil)

	got, err := f.query(t, ex, sfBox)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := []string{"sf-ferry-building", "sf-golden-gate-park"}; !slices.Equal(ids(got), want) {
		t.Fatalf("SF box=%v want %v", ids(got), want)
	}

	got, err = f.query(t, ex, oaklandBox)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if want := []string{"oakland-lake-merritt"}; !slices.Equal(ids(got), want) {
		t.Fatalf("Oakland box=%v want %v", ids(got), want)
	}
}

func TestExecute_MatchesBruteForceAcrossResolutions(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	f := newFixture(t)
	var all []model.Coordinate
	for i := range 400 {
		c := model.Coordinate{Lat: 37.5 + r.Float64(), Lng: -122.8 + r.Float64()}
		all = append(all, c)
		f.put(t, fmt.Sprintf("p%03d", i), c.Lat, c.Lng)
	}
	// points exactly on a box edge must be returned
	f.put(t, "edge", 37.9, -122.3)
	all = append(all, model.Coordinate{Lat: 37.9, Lng: -122.3})

	for _, fanout := range []int{4, 16, 48} {
		p, _ := planner.New(planner.Config{MaxLevel: maxLevel, FanoutCap: fanout})
		ex := New(f.s, Config{Workers: 3, PageSize: 7}, nil)
		for range 20 {
			s, w := 37.5+r.Float64()*0.8, -122.8+r.Float64()*0.8
			bb := model.BBox{South: s, West: w, North: s + r.Float64()*0.2, East: w + r.Float64()*0.2}
			if r.Intn(4) == 0 {
				bb = model.BBox{South: 37.8, West: -122.4, North: 37.9, East: -122.3}
			}
			plan, err := p.Plan(bb)
			if err != nil {
				t.Fatalf("Plan: %v", err)
			}
			got, err := ex.Execute(context.Background(), plan.Level, plan.Cells, bb)
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			var want []string
			for i, c := range all {
				if bb.Contains(c) {
					if i == len(all)-1 {
						want = append(want, "edge")
					} else {
						want = append(want, fmt.Sprintf("p%03d", i))
					}
				}
			}
			slices.Sort(want)
			if !slices.Equal(ids(got), want) {
				t.Fatalf("cap %d box %s: got %d entries want %d", fanout, bb, len(got), len(want))
			}
		}
	}
}

func TestExecute_PartialResultsAndRetry(t *testing.T) {
	f := newFixture(t)
	f.put(t, "sf", 37.7749, -122.4194)
	f.put(t, "ferry", 37.7955, -122.3937)
	ex := New(f.s, Config{}, nil)

	plan, err := f.p.Plan(sfBox)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	e, _ := f.m.Index("sample", model.Coordinate{Lat: 37.7749, Lng: -122.4194}, nil)
	bad, _ := e.Cell(plan.Level)
	boom := errors.New("shard unavailable")
	f.s.setFail(bad, boom)

	got, err := ex.Execute(context.Background(), plan.Level, plan.Cells, sfBox)
	var perr *PartialResultsError
	if !errors.As(err, &perr) || !errors.Is(err, ErrPartialResults) {
		t.Fatalf("expected PartialResultsError, got %v", err)
	}
	if !slices.Equal(perr.Failed, model.Cells{bad}) || !errors.Is(perr.Causes[bad], boom) {
		t.Fatalf("failed=%v causes=%v", perr.Failed, perr.Causes)
	}
	if len(perr.Succeeded) != len(plan.Cells)-1 {
		t.Fatalf("succeeded=%d want %d", len(perr.Succeeded), len(plan.Cells)-1)
	}
	if slices.Contains(ids(got), "sf") {
		t.Fatalf("entity in failed cell must be missing, got %v", ids(got))
	}
	if !slices.Equal(ids(got), ids(perr.Entries)) {
		t.Fatalf("returned entries and perr.Entries differ")
	}

	f.s.setFail(bad, nil)
	before := f.s.calls.Load()
	got, err = ex.Retry(context.Background(), perr, sfBox)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if n := f.s.calls.Load() - before; n != 1 {
		t.Fatalf("retry issued %d queries, want 1", n)
	}
	if want := []string{"ferry", "sf"}; !slices.Equal(ids(got), want) {
		t.Fatalf("after retry=%v want %v", ids(got), want)
	}
}

func TestExecute_AllFailed(t *testing.T) {
	f := newFixture(t)
	ex := New(f.s, Config{}, nil)
	cells := model.Cells{"9a", "9b"}
	f.s.setFail("9a", errors.New("a down"))
	f.s.setFail("9b", errors.New("b down"))

	got, err := ex.Execute(context.Background(), 2, cells, model.BBox{South: -90, West: -180, North: 90, East: 180})
	if !errors.Is(err, ErrScatterFailed) {
		t.Fatalf("expected ErrScatterFailed, got %v", err)
	}
	if errors.Is(err, ErrPartialResults) || len(got) != 0 {
		t.Fatalf("total failure must not look partial: %v %v", got, err)
	}
}

func TestExecute_SubQueryTimeout(t *testing.T) {
	f := newFixture(t)
	f.s.delay = 200 * time.Millisecond
	ex := New(f.s, Config{SubQueryTimeout: 10 * time.Millisecond}, nil)

	_, err := f.query(t, ex, sfBox)
	if !errors.Is(err, ErrScatterFailed) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected scatter failure from sub-query timeouts, got %v", err)
	}
}

func TestExecute_Cancellation(t *testing.T) {
	f := newFixture(t)
	f.s.delay = 50 * time.Millisecond
	ex := New(f.s, Config{Workers: 1}, nil)
	plan, _ := f.p.Plan(sfBox)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := ex.Execute(ctx, plan.Level, plan.Cells, sfBox)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected caller deadline, got %v", err)
	}
	if errors.Is(err, ErrPartialResults) || errors.Is(err, ErrScatterFailed) {
		t.Fatalf("cancellation must not be reported as store failure: %v", err)
	}
}

func TestExecute_BatchModeIssuesOneQuery(t *testing.T) {
	f := newFixture(t)
	f.put(t, "sf", 37.7749, -122.4194)
	f.put(t, "ferry", 37.7955, -122.3937)
	plan, _ := f.p.Plan(sfBox)
	if len(plan.Cells) < 2 {
		t.Fatalf("fixture needs a multi-cell plan, got %d", len(plan.Cells))
	}

	ex := New(f.s, Config{Batch: true, PageSize: 1000}, nil)
	got, err := ex.Execute(context.Background(), plan.Level, plan.Cells, sfBox)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := f.s.calls.Load(); n != 1 {
		t.Fatalf("batch mode issued %d queries, want 1", n)
	}
	if want := []string{"ferry", "sf"}; !slices.Equal(ids(got), want) {
		t.Fatalf("batch=%v want %v", ids(got), want)
	}

	f.s.calls.Store(0)
	ex = New(plainStore{f.s}, Config{Batch: true}, nil)
	if _, err := ex.Execute(context.Background(), plan.Level, plan.Cells, sfBox); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := f.s.calls.Load(); n != int64(len(plan.Cells)) {
		t.Fatalf("store without batch support got %d queries, want %d", n, len(plan.Cells))
	}
}

// dupStore returns every record twice.
type dupStore struct{ store.Store }

func (d dupStore) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	p, err := d.Store.QueryEquals(ctx, field, values, cursor, limit)
	p.Records = append(p.Records, p.Records...)
	return p, err
}

func TestExecute_DeduplicatesAndKeepsCellOrder(t *testing.T) {
	f := newFixture(t)
	f.put(t, "a", 10.1, 10.1)
	f.put(t, "b", 10.1, 10.9)
	world := model.BBox{South: -90, West: -180, North: 90, East: 180}

	ea, _ := f.m.Index("a", model.Coordinate{Lat: 10.1, Lng: 10.1}, nil)
	eb, _ := f.m.Index("b", model.Coordinate{Lat: 10.1, Lng: 10.9}, nil)
	ta, _ := ea.Cell(5)
	tb, _ := eb.Cell(5)
	if ta == tb {
		t.Fatalf("fixture points share a cell")
	}

	ex := New(dupStore{f.s.Store}, Config{}, nil)
	got, err := ex.Execute(context.Background(), 5, model.Cells{tb, ta, tb}, world)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(got) != 2 || got[0].ID != "b" || got[1].ID != "a" {
		t.Fatalf("got %+v want [b a]", got)
	}
}
