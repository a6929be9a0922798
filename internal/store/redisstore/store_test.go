package redisstore

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/metrics"
	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/internal/store/storetest"
)

// creates new client connected to miniredis for testing
func newMini(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	rc, err := NewClient(ctx, mr.Addr())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestRedisStore_Behaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		rc, _ := newMini(t)
		return New(rc, "films")
	})
}

func TestRedisStore_KeyLayout(t *testing.T) {
	rc, mr := newMini(t)
	s := New(rc, "sf films")
	m := storetest.Maintainer(t)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	e := storetest.Entity(t, m, "loc-1", 37.7749, -122.4194)
	if err := s.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if !mr.Exists("sf_films:ent:loc-1") {
		t.Fatalf("entity document missing; keys=%v", mr.Keys())
	}
	tok, _ := e.Cell(3)
	members, err := mr.SMembers("sf_films:idx:" + indexer.FieldName(3) + ":" + tok)
	if err != nil || len(members) != 1 || members[0] != "loc-1" {
		t.Fatalf("field set members=%v err=%v", members, err)
	}

	other := New(rc, "other")
	if _, err := other.Get(ctx, "loc-1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("namespaces must be isolated, got %v", err)
	}
}

func TestRedisStore_BadCursor(t *testing.T) {
	rc, _ := newMini(t)
	s := New(rc, "films")
	for _, c := range []string{"nope", "x:1", "1:y", "-1:0"} {
		if _, err := s.QueryEquals(context.Background(), "geocell_1", []string{"c"}, c, 10); err == nil {
			t.Fatalf("cursor %q should be rejected", c)
		}
	}
}

func TestRedisStore_ErrorsWhenServerDown(t *testing.T) {
	rc, mr := newMini(t)
	s := New(rc, "films")
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := s.QueryEquals(ctx, "geocell_1", []string{"c"}, "", 10); err == nil {
		t.Fatalf("expected error with redis down")
	}
	if err := s.Ping(ctx); err == nil {
		t.Fatalf("expected ping error with redis down")
	}
}

func TestNewClient_RequiresAddr(t *testing.T) {
	if _, err := NewClient(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestRedisStore_Metrics(t *testing.T) {
	p := metrics.Init(metrics.Config{})
	observability.Init(p.Registerer(), true)
	t.Cleanup(func() { observability.Init(nil, false) })

	rc, _ := newMini(t)
	s := New(rc, "films")
	ctx := context.Background()

	e := storetest.Entity(t, storetest.Maintainer(t), "m1", 1, 1)
	_ = s.Put(ctx, e)
	_, _ = s.QueryEquals(ctx, indexer.FieldName(1), []string{"c"}, "", 10)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	body := rr.Body.String()
	for _, want := range []string{
		`store_operation_duration_seconds_count{backend="redis",op="put",result="ok"} 1`,
		`store_operation_duration_seconds_count{backend="redis",op="query",result="ok"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %q\n%s", want, body)
		}
	}
}
