// Package geodist measures great-circle distances and the lat/lng boxes that
// enclose a search radius.
package geodist

import (
	"math"

	"github.com/uber/h3-go/v4"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
)

// EarthRadiusM matches the authalic radius h3 uses for its distance functions.
const EarthRadiusM = 6371007.180918475

// DistanceM is the great-circle distance between a and b in meters.
func DistanceM(a, b model.Coordinate) float64 {
	return h3.GreatCircleDistanceM(h3.NewLatLng(a.Lat, a.Lng), h3.NewLatLng(b.Lat, b.Lng))
}

// DegreesToMeters converts an arc along a meridian to meters.
func DegreesToMeters(deg float64) float64 {
	return deg * math.Pi / 180 * EarthRadiusM
}

// BoxAround returns the smallest box containing every point within r meters
// of c. The box wraps (West > East) when it crosses the antimeridian and spans
// all longitudes when the circle reaches a pole.
func BoxAround(c model.Coordinate, r float64) model.BBox {
	ang := r / EarthRadiusM
	dLat := ang * 180 / math.Pi

	bb := model.BBox{
		South: math.Max(-90, c.Lat-dLat),
		North: math.Min(90, c.Lat+dLat),
		West:  -180,
		East:  180,
	}
	if bb.South == -90 || bb.North == 90 || ang >= math.Pi/2 {
		return bb
	}
	ratio := math.Sin(ang) / math.Cos(c.Lat*math.Pi/180)
	if ratio >= 1 {
		return bb
	}
	dLng := math.Asin(ratio) * 180 / math.Pi
	if dLng >= 180 {
		return bb
	}

	bb.West, bb.East = c.Lng-dLng, c.Lng+dLng
	if bb.West < -180 {
		bb.West += 360
	}
	if bb.East > 180 {
		bb.East -= 360
	}
	return bb
}
