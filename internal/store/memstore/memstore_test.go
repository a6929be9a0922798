package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/internal/store/storetest"
)

func TestMemstore_Behaviour(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return New() })
}

func TestMemstore_CanceledContext(t *testing.T) {
	s := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.QueryEquals(ctx, "geocell_1", []string{"c"}, "", 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	e := storetest.Entity(t, storetest.Maintainer(t), "x", 1, 1)
	if err := s.Put(ctx, e); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatalf("canceled put must not write")
	}
}
