package geoindex

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/executor"
	"github.com/mohammed-shakir/geocell-index/internal/geodist"
	"github.com/mohammed-shakir/geocell-index/internal/invalidation"
	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/internal/store/memstore"
)

var (
	sanFrancisco = model.Coordinate{Lat: 37.7749, Lng: -122.4194}
	oakland      = model.Coordinate{Lat: 37.8044, Lng: -122.2712}
)

type recorder struct {
	mu     sync.Mutex
	events []invalidation.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, ev invalidation.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

// failStore fails every lookup for a prefix of blocked.
type failStore struct {
	*memstore.Store
	blocked string
}

func (f *failStore) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	for _, v := range values {
		if v != "" && strings.HasPrefix(f.blocked, v) {
			return store.Page{}, errors.New("shard unavailable")
		}
	}
	return f.Store.QueryEquals(ctx, field, values, cursor, limit)
}

func newIndex(t *testing.T, s store.Store, opts ...Option) *Index {
	t.Helper()
	ix, err := New(s, Config{Namespace: "sf_films", MaxLevel: 13}, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return ix
}

func seedBayArea(t *testing.T, ix *Index) {
	t.Helper()
	ctx := context.Background()
	if _, err := ix.Put(ctx, "sf", sanFrancisco, map[string]string{"city": "San Francisco"}); err != nil {
		t.Fatalf("Put sf: %v", err)
	}
	if _, err := ix.Put(ctx, "oakland", oakland, map[string]string{"city": "Oakland"}); err != nil {
		t.Fatalf("Put oakland: %v", err)
	}
}

func ids(es []model.Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.ID)
	}
	return out
}

func TestQueryBox_BayArea(t *testing.T) {
	ix := newIndex(t, memstore.New())
	seedBayArea(t, ix)
	ctx := context.Background()

	got, err := ix.QueryBox(ctx, model.BBox{South: 37.70, West: -122.50, North: 37.90, East: -122.20})
	if err != nil {
		t.Fatalf("QueryBox: %v", err)
	}
	sorted := ids(got)
	slices.Sort(sorted)
	if !slices.Equal(sorted, []string{"oakland", "sf"}) {
		t.Fatalf("wide box returned %v want [oakland sf]", sorted)
	}
	if got[0].Attrs["city"] == "" {
		t.Fatalf("attributes missing from %+v", got[0])
	}

	got, err = ix.QueryBox(ctx, model.BBox{South: 37.70, West: -122.50, North: 37.78, East: -122.30})
	if err != nil {
		t.Fatalf("QueryBox: %v", err)
	}
	if !slices.Equal(ids(got), []string{"sf"}) {
		t.Fatalf("narrow box returned %v want [sf]", ids(got))
	}
}

func TestQueryBox_Oversized(t *testing.T) {
	ix := newIndex(t, memstore.New())
	for _, bb := range []model.BBox{
		{South: 0, West: -100, North: 10, East: 100},
		{South: 0, West: 100, North: 10, East: -60},
	} {
		if _, err := ix.QueryBox(context.Background(), bb); !errors.Is(err, model.ErrOversizedQuery) {
			t.Fatalf("box %s: expected ErrOversizedQuery, got %v", bb, err)
		}
	}
	if _, err := ix.QueryBox(context.Background(), model.BBox{South: 10, West: 0, North: 5, East: 1}); !errors.Is(err, model.ErrInvalidBox) {
		t.Fatalf("expected ErrInvalidBox, got %v", err)
	}
}

func TestQueryBox_SplitsAtAntimeridian(t *testing.T) {
	ix := newIndex(t, memstore.New())
	ctx := context.Background()
	for id, c := range map[string]model.Coordinate{
		"east": {Lat: 0.5, Lng: 179.5},
		"west": {Lat: -0.5, Lng: -179.5},
		"zero": {Lat: 0, Lng: 0},
	} {
		if _, err := ix.Put(ctx, id, c, nil); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	got, err := ix.QueryBox(ctx, model.BBox{South: -1, West: 179, North: 1, East: -179})
	if err != nil {
		t.Fatalf("QueryBox: %v", err)
	}
	sorted := ids(got)
	slices.Sort(sorted)
	if !slices.Equal(sorted, []string{"east", "west"}) {
		t.Fatalf("wrapping box returned %v want [east west]", sorted)
	}
}

func TestQueryBoxFrom_SortedByDistance(t *testing.T) {
	ix := newIndex(t, memstore.New())
	seedBayArea(t, ix)
	got, err := ix.QueryBoxFrom(context.Background(), model.BBox{South: 37.70, West: -122.50, North: 37.90, East: -122.20}, oakland)
	if err != nil {
		t.Fatalf("QueryBoxFrom: %v", err)
	}
	if !slices.Equal(ids(got), []string{"oakland", "sf"}) {
		t.Fatalf("got %v want [oakland sf]", ids(got))
	}
	if got[0].Distance != 0 || got[1].Distance < 10000 {
		t.Fatalf("unexpected distances %v %v", got[0].Distance, got[1].Distance)
	}
	if _, err := ix.QueryBoxFrom(context.Background(), model.BBox{South: 0, West: 0, North: 1, East: 1}, model.Coordinate{Lat: 100}); !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate for bad center, got %v", err)
	}
}

func TestQueryNearest_SanFrancisco(t *testing.T) {
	ix := newIndex(t, memstore.New())
	seedBayArea(t, ix)
	got, err := ix.QueryNearest(context.Background(), model.Coordinate{Lat: 37.77, Lng: -122.42}, 1, 50000)
	if err != nil {
		t.Fatalf("QueryNearest: %v", err)
	}
	if len(got) != 1 || got[0].ID != "sf" {
		t.Fatalf("got %v want [sf]", ids(got))
	}
	if got[0].Distance <= 0 || got[0].Distance > 1000 {
		t.Fatalf("distance %v out of range", got[0].Distance)
	}
	if _, err := ix.QueryNearest(context.Background(), sanFrancisco, 0, 100); !errors.Is(err, model.ErrInvalidCount) {
		t.Fatalf("expected ErrInvalidCount, got %v", err)
	}
}

func TestQueryNearest_DefaultsReachOakland(t *testing.T) {
	ix := newIndex(t, memstore.New())
	seedBayArea(t, ix)
	p := model.Coordinate{Lat: 37.77, Lng: -122.42}
	for _, k := range []int{2, 5} {
		got, err := ix.QueryNearest(context.Background(), p, k, 50000)
		if err != nil {
			t.Fatalf("QueryNearest(k=%d): %v", k, err)
		}
		if !slices.Equal(ids(got), []string{"sf", "oakland"}) {
			t.Fatalf("k=%d got %v want [sf oakland]", k, ids(got))
		}
	}
}

func TestQueryNearest_MatchesBruteForce(t *testing.T) {
	ctx := context.Background()
	ix := newIndex(t, memstore.New())
	r := rand.New(rand.NewSource(8))
	points := map[string]model.Coordinate{}
	for i := range 40 {
		id := fmt.Sprintf("poi-%02d", i)
		c := model.Coordinate{Lat: 59.0 + r.Float64()*0.6, Lng: 17.7 + r.Float64()*0.6}
		points[id] = c
		if _, err := ix.Put(ctx, id, c, nil); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}

	const k, radius = 5, 30000.0
	for range 20 {
		p := model.Coordinate{Lat: 59.0 + r.Float64()*0.6, Lng: 17.7 + r.Float64()*0.6}
		type cand struct {
			id string
			d  float64
		}
		var want []cand
		for id, c := range points {
			if d := geodist.DistanceM(p, c); d <= radius {
				want = append(want, cand{id, d})
			}
		}
		slices.SortFunc(want, func(a, b cand) int {
			return cmp.Or(cmp.Compare(a.d, b.d), cmp.Compare(a.id, b.id))
		})
		if len(want) > k {
			want = want[:k]
		}

		got, err := ix.QueryNearest(ctx, p, k, radius)
		if err != nil {
			t.Fatalf("QueryNearest(%v): %v", p, err)
		}
		if len(got) != len(want) {
			t.Fatalf("QueryNearest(%v) got %v want %d entries", p, ids(got), len(want))
		}
		for i := range want {
			if got[i].ID != want[i].id {
				t.Fatalf("QueryNearest(%v)[%d]=%s want %s", p, i, got[i].ID, want[i].id)
			}
		}
	}
}

func TestPut_Validation(t *testing.T) {
	ix := newIndex(t, memstore.New())
	ctx := context.Background()
	if _, err := ix.Put(ctx, "x", model.Coordinate{Lat: 91}, nil); !errors.Is(err, model.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}
	if _, err := ix.Put(ctx, "", sanFrancisco, nil); !errors.Is(err, model.ErrInvalidEntity) {
		t.Fatalf("expected ErrInvalidEntity, got %v", err)
	}
	if err := ix.Delete(ctx, "missing"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestWrites_PublishOldAndNewCells(t *testing.T) {
	rec := &recorder{}
	ix := newIndex(t, memstore.New(), WithNotifier(rec))
	ctx := context.Background()

	first, err := ix.Put(ctx, "mover", sanFrancisco, nil)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	moved, err := ix.Put(ctx, "mover", oakland, nil)
	if err != nil {
		t.Fatalf("Put moved: %v", err)
	}
	if err := ix.Delete(ctx, "mover"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := ix.Delete(ctx, "mover"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if len(rec.events) != 3 {
		t.Fatalf("published %d events want 3", len(rec.events))
	}
	for _, ev := range rec.events {
		if err := ev.Validate(); err != nil {
			t.Fatalf("invalid event %+v: %v", ev, err)
		}
		if ev.Namespace != "sf_films" || ev.ID != "mover" {
			t.Fatalf("unexpected event %+v", ev)
		}
	}
	oldTok, _ := first.Cell(13)
	newTok, _ := moved.Cell(13)
	move := rec.events[1]
	if move.Op != invalidation.OpUpsert || !slices.Contains(move.Cells, oldTok) || !slices.Contains(move.Cells, newTok) {
		t.Fatalf("move event must list old and new cells: %+v", move)
	}
	del := rec.events[2]
	if del.Op != invalidation.OpDelete || !slices.Contains(del.Cells, newTok) || slices.Contains(del.Cells, oldTok) {
		t.Fatalf("delete event must list the last cells: %+v", del)
	}
}

func TestWrites_NotifierFailureDoesNotFailWrite(t *testing.T) {
	rec := &recorder{err: errors.New("broker down")}
	ix := newIndex(t, memstore.New(), WithNotifier(rec))
	if _, err := ix.Put(context.Background(), "sf", sanFrancisco, nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected one publish attempt, got %d", len(rec.events))
	}
	r, err := ix.Get(context.Background(), "sf")
	if err != nil || r.Coord != sanFrancisco {
		t.Fatalf("Get: %+v %v", r, err)
	}
}

func TestQueryBox_PartialResults(t *testing.T) {
	ix := newIndex(t, &failStore{Store: memstore.New(), blocked: mustFinest(t, oakland)})
	seedBayArea(t, ix)

	got, err := ix.QueryBox(context.Background(), model.BBox{South: 37.70, West: -122.50, North: 37.90, East: -122.20})
	if !errors.Is(err, executor.ErrPartialResults) {
		t.Fatalf("expected ErrPartialResults, got %v", err)
	}
	var perr *executor.PartialResultsError
	if !errors.As(err, &perr) || len(perr.Failed) == 0 {
		t.Fatalf("expected a PartialResultsError, got %v", err)
	}
	if !slices.Equal(ids(got), []string{"sf"}) {
		t.Fatalf("partial result returned %v want [sf]", ids(got))
	}
}

func TestQueryBox_Canceled(t *testing.T) {
	ix := newIndex(t, memstore.New())
	seedBayArea(t, ix)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := ix.QueryBox(ctx, model.BBox{South: 37.70, West: -122.50, North: 37.90, East: -122.20}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestIndex_FieldsAndReady(t *testing.T) {
	ix := newIndex(t, memstore.New())
	cells, err := ix.Index(sanFrancisco)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	if len(cells) != ix.MaxLevel()+1 || cells[0] != "" {
		t.Fatalf("unexpected cells %v", cells)
	}
	for l := 1; l < len(cells); l++ {
		if !strings.HasPrefix(cells[l], cells[l-1]) {
			t.Fatalf("cell %q is not nested in %q", cells[l], cells[l-1])
		}
	}
	if err := ix.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}
	if _, err := New(memstore.New(), Config{MaxLevel: 20}); !errors.Is(err, model.ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}

func mustFinest(t *testing.T, c model.Coordinate) string {
	t.Helper()
	ix := newIndex(t, memstore.New())
	cells, err := ix.Index(c)
	if err != nil {
		t.Fatalf("Index: %v", err)
	}
	return cells[len(cells)-1]
}
