// Package indexer derives the per-level cell fields stored alongside an entity.
package indexer

import (
	"fmt"
	"maps"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
)

const fieldPrefix = "geocell_"

// FieldName is the queryable store field holding the token at level.
func FieldName(level int) string {
	return fieldPrefix + strconv.Itoa(level)
}

// ParseFieldName is the inverse of FieldName.
func ParseFieldName(field string) (int, bool) {
	rest, ok := strings.CutPrefix(field, fieldPrefix)
	if !ok {
		return 0, false
	}
	l, err := strconv.Atoi(rest)
	if err != nil || l < 0 || l > geocell.MaxResolution {
		return 0, false
	}
	return l, true
}

type Config struct {
	MaxLevel int
}

// Entity is an indexed record. Its cells are derived from its coordinate and
// can only be produced by a Maintainer.
type Entity struct {
	id    string
	coord model.Coordinate
	attrs map[string]string
	cells model.Cells
}

func (e Entity) ID() string                   { return e.id }
func (e Entity) Coordinate() model.Coordinate { return e.coord }
func (e Entity) MaxLevel() int                { return len(e.cells) - 1 }

// Attrs returns a copy of the entity attributes.
func (e Entity) Attrs() map[string]string { return maps.Clone(e.attrs) }

// Cells returns the tokens for levels 0..MaxLevel.
func (e Entity) Cells() model.Cells {
	out := make(model.Cells, len(e.cells))
	copy(out, e.cells)
	return out
}

// Cell returns the token at level, or false when level is not indexed.
func (e Entity) Cell(level int) (string, bool) {
	if level < 0 || level >= len(e.cells) {
		return "", false
	}
	return e.cells[level], true
}

// Fields maps every indexed field name to its token.
func (e Entity) Fields() map[string]string {
	out := make(map[string]string, len(e.cells))
	for l, tok := range e.cells {
		out[FieldName(l)] = tok
	}
	return out
}

func (e Entity) Record() model.Record {
	return model.Record{ID: e.id, Coord: e.coord, Attrs: maps.Clone(e.attrs)}
}

type Maintainer struct {
	maxLevel int
}

func New(cfg Config) (*Maintainer, error) {
	if cfg.MaxLevel < 1 || cfg.MaxLevel > geocell.MaxResolution {
		return nil, fmt.Errorf("%w: max level %d (must be 1..%d)", model.ErrInvalidLevel, cfg.MaxLevel, geocell.MaxResolution)
	}
	return &Maintainer{maxLevel: cfg.MaxLevel}, nil
}

func (m *Maintainer) MaxLevel() int { return m.maxLevel }

// Fields returns the tokens for levels 0..MaxLevel. Every coarser token is a
// prefix of the finest one, so only the finest is encoded.
func (m *Maintainer) Fields(c model.Coordinate) (model.Cells, error) {
	finest, err := geocell.Encode(c, m.maxLevel)
	if err != nil {
		return nil, err
	}
	out := make(model.Cells, m.maxLevel+1)
	for l := range out {
		out[l] = finest[:l]
	}
	return out, nil
}

func (m *Maintainer) Index(id string, c model.Coordinate, attrs map[string]string) (Entity, error) {
	if strings.TrimSpace(id) == "" {
		return Entity{}, fmt.Errorf("%w: empty id", model.ErrInvalidEntity)
	}
	cells, err := m.Fields(c)
	if err != nil {
		return Entity{}, err
	}
	return Entity{id: id, coord: c, attrs: maps.Clone(attrs), cells: cells}, nil
}

// Move re-derives every cell of e for its new coordinate.
func (m *Maintainer) Move(e Entity, c model.Coordinate) (Entity, error) {
	return m.Index(e.id, c, e.attrs)
}

// Restore rebuilds an entity read back from a store.
func (m *Maintainer) Restore(r model.Record) (Entity, error) {
	return m.Index(r.ID, r.Coord, r.Attrs)
}
