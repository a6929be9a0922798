// Package storetest holds behaviour checks shared by every store adapter.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const MaxLevel = 10

func Maintainer(t *testing.T) *indexer.Maintainer {
	t.Helper()
	m, err := indexer.New(indexer.Config{MaxLevel: MaxLevel})
	if err != nil {
		t.Fatalf("indexer.New: %v", err)
	}
	return m
}

func Entity(t *testing.T, m *indexer.Maintainer, id string, lat, lng float64) indexer.Entity {
	t.Helper()
	e, err := m.Index(id, model.Coordinate{Lat: lat, Lng: lng}, map[string]string{"title": "loc " + id})
	if err != nil {
		t.Fatalf("Index(%s): %v", id, err)
	}
	return e
}

// Drain follows cursors until the result is exhausted.
func Drain(ctx context.Context, t *testing.T, s store.Store, field string, values []string, limit int) []model.Record {
	t.Helper()
	var out []model.Record
	cursor := ""
	for range 1000 {
		p, err := s.QueryEquals(ctx, field, values, cursor, limit)
		if err != nil {
			t.Fatalf("QueryEquals(%s,%v): %v", field, values, err)
		}
		out = append(out, p.Records...)
		if p.Cursor == "" {
			return out
		}
		cursor = p.Cursor
	}
	t.Fatalf("QueryEquals(%s,%v) did not terminate", field, values)
	return nil
}

func ids(recs []model.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	slices.Sort(out)
	return out
}

// Run checks put, paging, multi-value lookups, moves and deletes against a
// freshly constructed store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("PutAndQuery", func(t *testing.T) {
		s := newStore(t)
		m := Maintainer(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		sf := Entity(t, m, "sf-1", 37.7749, -122.4194)
		oak := Entity(t, m, "oak-1", 37.8044, -122.2712)
		for _, e := range []indexer.Entity{sf, oak} {
			if err := s.Put(ctx, e); err != nil {
				t.Fatalf("Put(%s): %v", e.ID(), err)
			}
		}

		tok, _ := sf.Cell(MaxLevel)
		got := Drain(ctx, t, s, indexer.FieldName(MaxLevel), []string{tok}, 10)
		if len(got) != 1 || got[0].ID != "sf-1" {
			t.Fatalf("finest cell lookup=%v want [sf-1]", ids(got))
		}
		if got[0].Coord != sf.Coordinate() || got[0].Attrs["title"] != "loc sf-1" {
			t.Fatalf("record did not round trip: %+v", got[0])
		}

		world, _ := sf.Cell(0)
		all := Drain(ctx, t, s, indexer.FieldName(0), []string{world}, 10)
		if want := []string{"oak-1", "sf-1"}; !slices.Equal(ids(all), want) {
			t.Fatalf("level 0 lookup=%v want %v", ids(all), want)
		}

		if p, err := s.QueryEquals(ctx, indexer.FieldName(5), []string{"ffff0"}, "", 10); err != nil || len(p.Records) != 0 || p.Cursor != "" {
			t.Fatalf("empty cell: page=%+v err=%v", p, err)
		}
	})

	t.Run("PagingAndMultiValue", func(t *testing.T) {
		s := newStore(t)
		m := Maintainer(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var want []string
		for i := range 23 {
			id := fmt.Sprintf("p-%02d", i)
			e := Entity(t, m, id, 10+float64(i)*1e-5, 20+float64(i)*1e-5)
			if err := s.Put(ctx, e); err != nil {
				t.Fatalf("Put: %v", err)
			}
			want = append(want, id)
		}
		far := Entity(t, m, "far", -33.86, 151.21)
		if err := s.Put(ctx, far); err != nil {
			t.Fatalf("Put: %v", err)
		}

		first := Entity(t, m, "sample", 10, 20)
		tok, _ := first.Cell(4)
		got := Drain(ctx, t, s, indexer.FieldName(4), []string{tok}, 5)
		if !slices.Equal(ids(got), want) {
			t.Fatalf("paged lookup=%v want %v", ids(got), want)
		}

		farTok, _ := far.Cell(4)
		got = Drain(ctx, t, s, indexer.FieldName(4), []string{tok, farTok}, 7)
		if len(got) != len(want)+1 {
			t.Fatalf("multi-value lookup returned %d records want %d", len(got), len(want)+1)
		}
	})

	t.Run("MoveAndDelete", func(t *testing.T) {
		s := newStore(t)
		m := Maintainer(t)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		e := Entity(t, m, "mover", 37.7749, -122.4194)
		if err := s.Put(ctx, e); err != nil {
			t.Fatalf("Put: %v", err)
		}
		oldTok, _ := e.Cell(MaxLevel)

		moved, err := m.Move(e, model.Coordinate{Lat: 37.8044, Lng: -122.2712})
		if err != nil {
			t.Fatalf("Move: %v", err)
		}
		if err := s.Put(ctx, moved); err != nil {
			t.Fatalf("Put moved: %v", err)
		}
		if got := Drain(ctx, t, s, indexer.FieldName(MaxLevel), []string{oldTok}, 10); len(got) != 0 {
			t.Fatalf("old cell still lists %v after move", ids(got))
		}
		newTok, _ := moved.Cell(MaxLevel)
		if got := Drain(ctx, t, s, indexer.FieldName(MaxLevel), []string{newTok}, 10); len(got) != 1 {
			t.Fatalf("new cell lists %v after move", ids(got))
		}

		if g, ok := s.(store.Getter); ok {
			r, err := g.Get(ctx, "mover")
			if err != nil || r.Coord != moved.Coordinate() {
				t.Fatalf("Get after move: %+v %v", r, err)
			}
		}

		if err := s.Delete(ctx, "mover"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if got := Drain(ctx, t, s, indexer.FieldName(MaxLevel), []string{newTok}, 10); len(got) != 0 {
			t.Fatalf("deleted entity still listed: %v", ids(got))
		}
		if err := s.Delete(ctx, "mover"); !errors.Is(err, model.ErrNotFound) {
			t.Fatalf("second delete: expected ErrNotFound, got %v", err)
		}
		if g, ok := s.(store.Getter); ok {
			if _, err := g.Get(ctx, "mover"); !errors.Is(err, model.ErrNotFound) {
				t.Fatalf("Get after delete: expected ErrNotFound, got %v", err)
			}
		}
	})
}
