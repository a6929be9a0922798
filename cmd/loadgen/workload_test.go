package main

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/mohammed-shakir/geocell-index/internal/core/router"
)

func TestMakeBoxes_ParseAsBounds(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	boxes := makeBoxes(64, r)
	if len(boxes) != 64 {
		t.Fatalf("got %d boxes want 64", len(boxes))
	}
	for i, b := range boxes {
		got, err := router.ParseBounds(boundsParam(b))
		if err != nil {
			t.Fatalf("box %d %v: %v", i, b, err)
		}
		if got.Wraps() || got.Width() > 1 || got.Height() > 1 {
			t.Fatalf("box %d too large: %v", i, got)
		}
	}
	// the first quarter sits around a center
	c := centers[0]
	midLat := (boxes[0].South + boxes[0].North) / 2
	midLng := (boxes[0].West + boxes[0].East) / 2
	if math.Abs(midLat-c.Lat) > 0.05 || math.Abs(midLng-c.Lng) > 0.05 {
		t.Fatalf("first hot box %v far from %v", boxes[0], c)
	}
}

func TestSeedPoint_Valid(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for range 1000 {
		p := seedPoint(r)
		if _, err := router.ParsePoint(pointParam(p)); err != nil {
			t.Fatalf("seed point %v: %v", p, err)
		}
	}
}

func TestPercentile(t *testing.T) {
	vals := []float64{1, 2, 3, 4, 5}
	if got := percentile(vals, 50); got != 3 {
		t.Fatalf("p50=%v", got)
	}
	if got := percentile(vals, 100); got != 5 {
		t.Fatalf("p100=%v", got)
	}
	if got := percentile(vals, 25); got != 2 {
		t.Fatalf("p25=%v", got)
	}
	if !math.IsNaN(percentile(nil, 50)) {
		t.Fatalf("empty input must give NaN")
	}
}

func TestSummarize(t *testing.T) {
	start := time.Unix(0, 0)
	s := summarize([]sample{
		{Latency: 10 * time.Millisecond, Status: 200},
		{Latency: 20 * time.Millisecond, Status: 200, Partial: true},
		{Latency: 5 * time.Millisecond, Status: 502, Err: errors.New("status=502")},
	}, start, start.Add(2*time.Second))
	if s.TotalRequests != 3 || s.SuccessCount != 2 || s.ErrorCount != 1 || s.PartialCount != 1 {
		t.Fatalf("counts %+v", s)
	}
	if s.ThroughputRPS != 1.5 || s.P50Ms != 15 {
		t.Fatalf("rps=%v p50=%v", s.ThroughputRPS, s.P50Ms)
	}
	if empty := summarize(nil, start, start.Add(time.Second)); empty.P99Ms != 0 {
		t.Fatalf("empty run p99=%v", empty.P99Ms)
	}
}

func TestNewLimiter(t *testing.T) {
	if l := newLimiter(0); l.Limit() != rate.Inf {
		t.Fatalf("rps=0 must be unlimited, got %v", l.Limit())
	}
	l := newLimiter(50)
	if l.Limit() != 50 || l.Burst() != 5 {
		t.Fatalf("limit=%v burst=%d", l.Limit(), l.Burst())
	}
	if b := newLimiter(3).Burst(); b != 1 {
		t.Fatalf("burst=%d want 1", b)
	}
}
