package model

import (
	"errors"
	"math"
	"testing"
)

func TestCoordinate_Validate(t *testing.T) {
	ok := []Coordinate{{0, 0}, {90, 180}, {-90, -180}, {37.7749, -122.4194}}
	for _, c := range ok {
		if err := c.Validate(); err != nil {
			t.Fatalf("Validate(%v) unexpected err: %v", c, err)
		}
	}
	bad := []Coordinate{{90.0001, 0}, {0, -180.5}, {math.NaN(), 0}, {0, math.Inf(1)}}
	for _, c := range bad {
		if err := c.Validate(); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("Validate(%v) err=%v want ErrInvalidCoordinate", c, err)
		}
	}
}

func TestBBox_ContainsInclusiveAndWrap(t *testing.T) {
	b := BBox{South: 10, West: 20, North: 11, East: 21}
	for _, c := range []Coordinate{{10, 20}, {11, 21}, {10.5, 20.5}} {
		if !b.Contains(c) {
			t.Fatalf("expected %v inside %v", c, b)
		}
	}
	if b.Contains(Coordinate{Lat: 11.0000001, Lng: 20.5}) {
		t.Fatalf("expected point north of box to be outside")
	}

	w := BBox{South: -5, West: 170, North: 5, East: -170}
	if !w.Wraps() {
		t.Fatalf("expected wrapping box")
	}
	if !w.Contains(Coordinate{Lat: 0, Lng: 179}) || !w.Contains(Coordinate{Lat: 0, Lng: -179}) {
		t.Fatalf("wrapping box must contain both sides of the antimeridian")
	}
	if w.Contains(Coordinate{Lat: 0, Lng: 0}) {
		t.Fatalf("wrapping box must not contain lng 0")
	}
	if got := w.Width(); got != 20 {
		t.Fatalf("Width=%v want 20", got)
	}
	parts := w.Split()
	if len(parts) != 2 || parts[0].East != 180 || parts[1].West != -180 {
		t.Fatalf("unexpected split: %+v", parts)
	}
}

func TestBBox_Validate(t *testing.T) {
	if err := (BBox{South: 5, West: 0, North: 4, East: 1}).Validate(); !errors.Is(err, ErrInvalidBox) {
		t.Fatalf("expected ErrInvalidBox for south>north, got %v", err)
	}
	err := (BBox{South: 0, West: 0, North: 91, East: 1}).Validate()
	if !errors.Is(err, ErrInvalidBox) || !errors.Is(err, ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidBox wrapping ErrInvalidCoordinate, got %v", err)
	}
}
