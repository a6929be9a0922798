// Package router serves the location JSON API on top of the geocell index.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/mohammed-shakir/geocell-index/internal/core/config"
	"github.com/mohammed-shakir/geocell-index/internal/core/model"
	"github.com/mohammed-shakir/geocell-index/internal/executor"
	"github.com/mohammed-shakir/geocell-index/internal/indexer"
	mylog "github.com/mohammed-shakir/geocell-index/internal/logger"
)

// PartialHeader carries the number of failed cells when a query returns partial results.
const PartialHeader = "X-Partial-Results"

// Index is the part of the geocell index the API serves.
type Index interface {
	QueryBoxFrom(ctx context.Context, bb model.BBox, center model.Coordinate) ([]model.Entry, error)
	QueryNearest(ctx context.Context, p model.Coordinate, k int, maxRadiusM float64) ([]model.Entry, error)
	Put(ctx context.Context, id string, c model.Coordinate, attrs map[string]string) (indexer.Entity, error)
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (model.Record, error)
}

type API struct {
	log      *slog.Logger
	idx      Index
	prox     config.ProximityCfg
	validate *validator.Validate
}

func New(logger *slog.Logger, cfg config.Config, idx Index) *API {
	return &API{log: logger, idx: idx, prox: cfg.Proximity, validate: validator.New()}
}

// Mount registers the location routes on r.
func (a *API) Mount(r chi.Router) {
	r.Route("/json", func(r chi.Router) {
		r.Get("/locations", a.Locations)
		r.Post("/locations", a.Create)
		r.Get("/locations/{id}", a.Fetch)
		r.Put("/locations/{id}", a.Upsert)
		r.Delete("/locations/{id}", a.Remove)
		r.Get("/nearest", a.Nearest)
	})
}

// Locations answers GET /json/locations?bounds=s,w,n,e&center=lat,lng with
// every location inside bounds, closest to center first.
func (a *API) Locations(w http.ResponseWriter, r *http.Request) {
	ctx := mylog.WithQueryKind(r.Context(), "box")
	q := r.URL.Query()
	bb, err := ParseBounds(q.Get("bounds"))
	if err != nil {
		http.Error(w, "invalid bounds: "+err.Error(), http.StatusBadRequest)
		return
	}
	center, err := ParsePoint(q.Get("center"))
	if err != nil {
		http.Error(w, "invalid center: "+err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := a.idx.QueryBoxFrom(ctx, bb, center)
	a.sendEntries(ctx, w, entries, err)
}

// Nearest answers GET /json/nearest?point=lat,lng&k=&radius=.
func (a *API) Nearest(w http.ResponseWriter, r *http.Request) {
	ctx := mylog.WithQueryKind(r.Context(), "nearest")
	q := r.URL.Query()
	p, err := ParsePoint(q.Get("point"))
	if err != nil {
		http.Error(w, "invalid point: "+err.Error(), http.StatusBadRequest)
		return
	}
	k := a.prox.DefaultK
	if raw := strings.TrimSpace(q.Get("k")); raw != "" {
		k, err = strconv.Atoi(raw)
		if err != nil || k < 1 || k > a.prox.MaxK {
			http.Error(w, fmt.Sprintf("k must be an integer in 1..%d", a.prox.MaxK), http.StatusBadRequest)
			return
		}
	}
	radius := a.prox.DefaultRadiusM
	if raw := strings.TrimSpace(q.Get("radius")); raw != "" {
		radius, err = parseFloat(raw)
		if err != nil {
			http.Error(w, "invalid radius: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	entries, err := a.idx.QueryNearest(ctx, p, k, radius)
	a.sendEntries(ctx, w, entries, err)
}

type locationRequest struct {
	ID    string            `json:"id" validate:"omitempty,max=128"`
	Lat   *float64          `json:"lat" validate:"required,latitude"`
	Lng   *float64          `json:"lng" validate:"required,longitude"`
	Attrs map[string]string `json:"attrs" validate:"omitempty,max=64,dive,keys,required,max=64,endkeys,max=2048"`
}

// Create stores a new location; an id is generated when the body has none.
func (a *API) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	rec, err := a.put(r.Context(), req.ID, req)
	if err != nil {
		a.writeError(r.Context(), w, err)
		return
	}
	w.Header().Set("Location", "/json/locations/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec)
}

// Upsert replaces the location named in the path.
func (a *API) Upsert(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.validate.Var(id, "required,max=128"); err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	req, ok := a.decode(w, r)
	if !ok {
		return
	}
	if req.ID != "" && req.ID != id {
		http.Error(w, "body id does not match path", http.StatusBadRequest)
		return
	}
	rec, err := a.put(r.Context(), id, req)
	if err != nil {
		a.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) Fetch(w http.ResponseWriter, r *http.Request) {
	rec, err := a.idx.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(r.Context(), w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *API) Remove(w http.ResponseWriter, r *http.Request) {
	if err := a.idx.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.writeError(r.Context(), w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request) (locationRequest, bool) {
	var req locationRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	if err := a.validate.Struct(req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (a *API) put(ctx context.Context, id string, req locationRequest) (model.Record, error) {
	ctx = mylog.WithQueryKind(ctx, "write")
	e, err := a.idx.Put(ctx, id, model.Coordinate{Lat: *req.Lat, Lng: *req.Lng}, req.Attrs)
	if err != nil {
		return model.Record{}, err
	}
	return model.Record{ID: e.ID(), Coord: e.Coordinate(), Attrs: req.Attrs}, nil
}

// sendEntries writes the ranked location list. Partial results are still
// served, with PartialHeader set to the number of failed cells.
func (a *API) sendEntries(ctx context.Context, w http.ResponseWriter, entries []model.Entry, err error) {
	if err != nil {
		if !errors.Is(err, executor.ErrPartialResults) {
			a.writeError(ctx, w, err)
			return
		}
		n := failedCells(err)
		a.log.WarnContext(ctx, "serving partial results", "failed_cells", n, "err", err)
		w.Header().Set(PartialHeader, strconv.Itoa(n))
	}
	out := make([]map[string]any, 0, len(entries))
	for i, e := range entries {
		out = append(out, locationJSON(i, e))
	}
	writeJSON(w, http.StatusOK, out)
}

// failedCells sums the failed cells over every partial result in err.
func failedCells(err error) int {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		n := 0
		for _, e := range j.Unwrap() {
			n += failedCells(e)
		}
		return n
	}
	var perr *executor.PartialResultsError
	if errors.As(err, &perr) {
		return len(perr.Failed)
	}
	return 0
}

// locationJSON flattens an entry the way the map client reads it: rank,
// identifier, position, distance and the stored attributes.
func locationJSON(idx int, e model.Entry) map[string]any {
	m := make(map[string]any, len(e.Attrs)+6)
	for k, v := range e.Attrs {
		m[k] = v
	}
	if name, ok := e.Attrs["formatted_name"]; ok {
		if _, set := e.Attrs["short_name"]; !set {
			short, _, _ := strings.Cut(name, ",")
			m["short_name"] = short
		}
	}
	m["idx"] = idx
	m["identifier"] = e.ID
	m["lat"] = e.Coord.Lat
	m["lng"] = e.Coord.Lng
	m["distance"] = e.Distance
	return m
}

// StatusFor maps an index error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidCoordinate),
		errors.Is(err, model.ErrInvalidBox),
		errors.Is(err, model.ErrInvalidRadius),
		errors.Is(err, model.ErrInvalidCount),
		errors.Is(err, model.ErrInvalidEntity):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrOversizedQuery):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errors.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, executor.ErrScatterFailed), errors.Is(err, executor.ErrPartialResults):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) writeError(ctx context.Context, w http.ResponseWriter, err error) {
	code := StatusFor(err)
	if code >= http.StatusInternalServerError {
		a.log.ErrorContext(ctx, "request failed", "status", code, "err", err)
	}
	http.Error(w, err.Error(), code)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ParseBounds reads "south,west,north,east". West greater than east is a box
// crossing the antimeridian.
func ParseBounds(raw string) (model.BBox, error) {
	v, err := parseFloats(raw, 4)
	if err != nil {
		return model.BBox{}, err
	}
	bb := model.BBox{South: v[0], West: v[1], North: v[2], East: v[3]}
	if err := bb.Validate(); err != nil {
		return model.BBox{}, err
	}
	return bb, nil
}

// ParsePoint reads "lat,lng".
func ParsePoint(raw string) (model.Coordinate, error) {
	v, err := parseFloats(raw, 2)
	if err != nil {
		return model.Coordinate{}, err
	}
	c := model.Coordinate{Lat: v[0], Lng: v[1]}
	if err := c.Validate(); err != nil {
		return model.Coordinate{}, err
	}
	return c, nil
}

func parseFloats(raw string, n int) ([]float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("missing value")
	}
	parts := strings.Split(raw, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("expected %d comma-separated values, got %d", n, len(parts))
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := parseFloat(p)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i+1, err)
		}
		out[i] = f
	}
	return out, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	return f, nil
}
