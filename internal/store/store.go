// Package store defines the record store capability the index consumes:
// whole-entity writes and equality lookups on a single field.
package store

import (
	"context"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
)

const DefaultPageSize = 200

// Page is one slice of a QueryEquals result. An empty Cursor means the result
// is exhausted.
type Page struct {
	Records []model.Record
	Cursor  string
}

type Store interface {
	// Put writes the entity and all of its cell fields atomically, replacing
	// any previous version.
	Put(ctx context.Context, e indexer.Entity) error
	Delete(ctx context.Context, id string) error
	// QueryEquals returns records whose field equals any of values.
	QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (Page, error)
}

// BatchQuerier is implemented by stores that answer a multi-value
// QueryEquals in a single round trip.
type BatchQuerier interface {
	Store
	MaxBatchValues() int
}

// Getter is implemented by stores that can load one record by id.
// Get returns model.ErrNotFound for unknown ids.
type Getter interface {
	Get(ctx context.Context, id string) (model.Record, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

func PageSize(limit int) int {
	if limit <= 0 {
		return DefaultPageSize
	}
	return limit
}

// Invalidator is implemented by caching decorators. InvalidateCells drops
// every cached lookup that touched one of cells and reports how many went.
type Invalidator interface {
	InvalidateCells(cells model.Cells) int
}
