// Package sqlstore keeps entities in a SQL table with one indexed column per
// cell level. Lookups stay equality-only so every backend answers the same way.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	"github.com/mohammed-shakir/geocell-index/internal/store"
)

const (
	backend      = "sql"
	DefaultTable = "geocell_entities"

	// stays under SQLite's default host parameter limit with room for the cursor and limit
	maxBatchValues = 500
)

var tableName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

type Config struct {
	Table    string
	MaxLevel int
}

type Store struct {
	db       *sqlx.DB
	table    string
	maxLevel int
	columns  []string
}

var (
	_ store.BatchQuerier = (*Store)(nil)
	_ store.Getter       = (*Store)(nil)
	_ store.Pinger       = (*Store)(nil)
)

type row struct {
	ID    string         `db:"id"`
	Lat   float64        `db:"lat"`
	Lng   float64        `db:"lng"`
	Attrs sql.NullString `db:"attrs"`
}

func (r row) record() (model.Record, error) {
	rec := model.Record{ID: r.ID, Coord: model.Coordinate{Lat: r.Lat, Lng: r.Lng}}
	if r.Attrs.Valid && r.Attrs.String != "" {
		if err := json.Unmarshal([]byte(r.Attrs.String), &rec.Attrs); err != nil {
			return model.Record{}, fmt.Errorf("decode attrs of %q: %w", r.ID, err)
		}
	}
	return rec, nil
}

func New(db *sqlx.DB, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if !tableName.MatchString(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	if _, err := indexer.New(indexer.Config{MaxLevel: cfg.MaxLevel}); err != nil {
		return nil, err
	}
	cols := make([]string, 0, cfg.MaxLevel+1)
	for l := 0; l <= cfg.MaxLevel; l++ {
		cols = append(cols, indexer.FieldName(l))
	}
	return &Store{db: db, table: cfg.Table, maxLevel: cfg.MaxLevel, columns: cols}, nil
}

// Migrate creates the table and one index per cell column.
func (s *Store) Migrate(ctx context.Context) error {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (id TEXT PRIMARY KEY, lat DOUBLE PRECISION NOT NULL, lng DOUBLE PRECISION NOT NULL, attrs TEXT", s.table)
	for _, c := range s.columns {
		fmt.Fprintf(&b, ", %s TEXT", c)
	}
	b.WriteString(")")

	stmts := []string{b.String()}
	for _, c := range s.columns {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_%s_idx ON %s (%s, id)", s.table, c, s.table, c))
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("migrate %s: %w", s.table, err)
		}
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Put(ctx context.Context, e indexer.Entity) (err error) {
	start := time.Now()
	defer func() { observability.ObserveStoreOp(backend, "put", err, time.Since(start).Seconds()) }()

	if e.ID() == "" {
		return fmt.Errorf("%w: empty id", model.ErrInvalidEntity)
	}
	if e.MaxLevel() < s.maxLevel {
		return fmt.Errorf("%w: entity indexed to level %d, table needs %d", model.ErrInvalidEntity, e.MaxLevel(), s.maxLevel)
	}
	attrs, err := json.Marshal(e.Attrs())
	if err != nil {
		return fmt.Errorf("encode attrs of %q: %w", e.ID(), err)
	}

	cols := append([]string{"id", "lat", "lng", "attrs"}, s.columns...)
	args := []any{e.ID(), e.Coordinate().Lat, e.Coordinate().Lng, string(attrs)}
	for l := range s.columns {
		tok, _ := e.Cell(l)
		args = append(args, tok)
	}
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		updates = append(updates, c+" = excluded."+c)
	}
	q := s.db.Rebind(fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (id) DO UPDATE SET %s",
		s.table, strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "),
		strings.Join(updates, ", "),
	))

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sql put %q: begin: %w", e.ID(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("sql put %q: %w", e.ID(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("sql put %q: commit: %w", e.ID(), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	start := time.Now()
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM "+s.table+" WHERE id = ?"), id)
	if err == nil {
		var n int64
		if n, err = res.RowsAffected(); err == nil && n == 0 {
			err = model.ErrNotFound
		}
	}
	observability.ObserveStoreOp(backend, "delete", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("sql delete %q: %w", id, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	var r row
	err := s.db.GetContext(ctx, &r, s.db.Rebind("SELECT id, lat, lng, attrs FROM "+s.table+" WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, fmt.Errorf("sql get %q: %w", id, model.ErrNotFound)
	}
	if err != nil {
		return model.Record{}, fmt.Errorf("sql get %q: %w", id, err)
	}
	return r.record()
}

// QueryEquals pages with keyset pagination on id; the cursor is the last id
// of the previous page.
func (s *Store) QueryEquals(ctx context.Context, field string, values []string, cursor string, limit int) (store.Page, error) {
	l, ok := indexer.ParseFieldName(field)
	if !ok || l > s.maxLevel {
		return store.Page{}, fmt.Errorf("%w: field %q is not indexed", model.ErrInvalidLevel, field)
	}
	if len(values) == 0 {
		return store.Page{}, nil
	}
	if len(values) > maxBatchValues {
		return store.Page{}, fmt.Errorf("sql query: %d values exceeds batch limit %d", len(values), maxBatchValues)
	}
	limit = store.PageSize(limit)

	start := time.Now()
	q, args, err := sqlx.In(
		"SELECT id, lat, lng, attrs FROM "+s.table+" WHERE "+field+" IN (?) AND id > ? ORDER BY id LIMIT ?",
		values, cursor, limit+1,
	)
	if err != nil {
		return store.Page{}, fmt.Errorf("sql query build: %w", err)
	}
	var rows []row
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...)
	observability.ObserveStoreOp(backend, "query", err, time.Since(start).Seconds())
	if err != nil {
		return store.Page{}, fmt.Errorf("sql query %s: %w", field, err)
	}

	page := store.Page{}
	if len(rows) > limit {
		rows = rows[:limit]
		page.Cursor = rows[limit-1].ID
	}
	page.Records = make([]model.Record, 0, len(rows))
	for _, r := range rows {
		rec, err := r.record()
		if err != nil {
			return store.Page{}, err
		}
		page.Records = append(page.Records, rec)
	}
	return page, nil
}

func (s *Store) MaxBatchValues() int { return maxBatchValues }
