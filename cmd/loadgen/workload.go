package main

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/geocell-index/internal/core/model"
)

// newLimiter paces all workers to rps requests per second. A non-positive
// rps disables pacing.
func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := int(math.Ceil(rps / 10))
	return rate.NewLimiter(rate.Limit(rps), max(burst, 1))
}

// hot spots the generated boxes and seed locations cluster around
var centers = []model.Coordinate{
	{Lat: 37.7749, Lng: -122.4194}, // San Francisco
	{Lat: 37.8044, Lng: -122.2712}, // Oakland
	{Lat: 37.8715, Lng: -122.2730}, // Berkeley
	{Lat: 37.3382, Lng: -121.8863}, // San Jose
}

// region covering the centers; cold boxes land anywhere inside it
var region = model.BBox{South: 37.2, West: -122.6, North: 38.0, East: -121.7}

// boundsParam formats a box the way /json/locations reads it.
func boundsParam(b model.BBox) string {
	return fmt.Sprintf("%.5f,%.5f,%.5f,%.5f", b.South, b.West, b.North, b.East)
}

func pointParam(c model.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lng)
}

func clampBox(b model.BBox) model.BBox {
	b.South = math.Max(-90, b.South)
	b.North = math.Min(90, b.North)
	b.West = math.Max(-180, b.West)
	b.East = math.Min(180, b.East)
	return b
}

// makeBoxes creates a mix of hot boxes around the centers and cold ones
// spread over the region. Hot boxes come first so a zipf index favors them.
func makeBoxes(count int, r *rand.Rand) []model.BBox {
	boxes := make([]model.BBox, 0, count)
	hot := int(math.Max(8, float64(count/4)))
	for i := 0; i < hot && len(boxes) < count; i++ {
		c := centers[i%len(centers)]
		dLat, dLng := (r.Float64()-0.5)*0.04, (r.Float64()-0.5)*0.04
		h, w := 0.01+r.Float64()*0.02, 0.01+r.Float64()*0.02
		lat, lng := c.Lat+dLat, c.Lng+dLng
		boxes = append(boxes, clampBox(model.BBox{South: lat - h/2, West: lng - w/2, North: lat + h/2, East: lng + w/2}))
	}
	for len(boxes) < count {
		lat := region.South + r.Float64()*region.Height()
		lng := region.West + r.Float64()*region.Width()
		h, w := 0.005+r.Float64()*0.05, 0.005+r.Float64()*0.05
		boxes = append(boxes, clampBox(model.BBox{South: lat - h/2, West: lng - w/2, North: lat + h/2, East: lng + w/2}))
	}
	return boxes
}

// seedPoint scatters a location around one of the centers.
func seedPoint(r *rand.Rand) model.Coordinate {
	c := centers[r.Intn(len(centers))]
	return model.Coordinate{
		Lat: c.Lat + r.NormFloat64()*0.02,
		Lng: c.Lng + r.NormFloat64()*0.02,
	}
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
