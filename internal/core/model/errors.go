package model

import "errors"

var (
	// ErrInvalidCoordinate is returned for non-finite or out-of-range lat/lng, before any store write.
	ErrInvalidCoordinate = errors.New("invalid coordinate")

	ErrInvalidBox = errors.New("invalid bounding box")

	// ErrOversizedQuery means the box is too large to plan; narrow it or use a proximity search.
	ErrOversizedQuery = errors.New("oversized query")

	ErrInvalidRadius = errors.New("radius must be positive and finite")
	ErrInvalidCount  = errors.New("count must be positive")
	ErrInvalidLevel  = errors.New("invalid cell level")
	ErrInvalidEntity = errors.New("invalid entity")
	ErrNotFound      = errors.New("not found")
)
