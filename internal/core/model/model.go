// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"math"
)

type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Validate rejects non-finite or out-of-range values. Coordinates are never clamped.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Lat) || math.IsInf(c.Lat, 0) || math.IsNaN(c.Lng) || math.IsInf(c.Lng, 0) {
		return fmt.Errorf("%w: non-finite value (%v, %v)", ErrInvalidCoordinate, c.Lat, c.Lng)
	}
	if c.Lat < -90 || c.Lat > 90 {
		return fmt.Errorf("%w: latitude %v outside [-90,90]", ErrInvalidCoordinate, c.Lat)
	}
	if c.Lng < -180 || c.Lng > 180 {
		return fmt.Errorf("%w: longitude %v outside [-180,180]", ErrInvalidCoordinate, c.Lng)
	}
	return nil
}

func (c Coordinate) String() string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

// BBox bounds are inclusive. West > East denotes a box crossing the antimeridian.
type BBox struct {
	South float64 `json:"south"`
	West  float64 `json:"west"`
	North float64 `json:"north"`
	East  float64 `json:"east"`
}

// String representation matching the s,w,n,e query format
func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.South, b.West, b.North, b.East)
}

func (b BBox) Validate() error {
	for _, c := range []Coordinate{{Lat: b.South, Lng: b.West}, {Lat: b.North, Lng: b.East}} {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidBox, err)
		}
	}
	if b.South > b.North {
		return fmt.Errorf("%w: south %v > north %v", ErrInvalidBox, b.South, b.North)
	}
	return nil
}

func (b BBox) Wraps() bool { return b.West > b.East }

// Split returns the box as non-wrapping parts: itself, or the two halves either side of ±180°.
func (b BBox) Split() []BBox {
	if !b.Wraps() {
		return []BBox{b}
	}
	return []BBox{
		{South: b.South, West: b.West, North: b.North, East: 180},
		{South: b.South, West: -180, North: b.North, East: b.East},
	}
}

// Contains is the exact inclusive containment test.
func (b BBox) Contains(c Coordinate) bool {
	if c.Lat < b.South || c.Lat > b.North {
		return false
	}
	if b.Wraps() {
		return c.Lng >= b.West || c.Lng <= b.East
	}
	return c.Lng >= b.West && c.Lng <= b.East
}

func (b BBox) Width() float64 {
	if b.Wraps() {
		return 360 - (b.West - b.East)
	}
	return b.East - b.West
}

func (b BBox) Height() float64 { return b.North - b.South }

// Record is what a store returns for an entity.
type Record struct {
	ID    string            `json:"id"`
	Coord Coordinate        `json:"coord"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Entry is a query result. Distance is in meters and only set when a reference point applies.
type Entry struct {
	ID       string            `json:"id"`
	Coord    Coordinate        `json:"coord"`
	Attrs    map[string]string `json:"attrs,omitempty"`
	Distance float64           `json:"distance,omitempty"`
}

func EntryFromRecord(r Record) Entry {
	return Entry{ID: r.ID, Coord: r.Coord, Attrs: r.Attrs}
}

type Cells []string
