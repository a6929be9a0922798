package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/geocell-index/internal/core/httpclient"
	"github.com/mohammed-shakir/geocell-index/internal/core/router"
)

type Config struct {
	TargetURL      string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	BoxCount       int
	NearestRatio   float64
	NearestK       int
	Seed           int
	OutputPrefix   string
	RequestTimeout time.Duration
	RPS            float64
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.TargetURL, "target", "http://localhost:8090", "geocell server base URL")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "Concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "Test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.BoxCount, "boxes", 128, "Distinct boxes in pool")
	flag.Float64Var(&cfg.NearestRatio, "nearest-ratio", 0.2, "Share of requests that are nearest queries")
	flag.IntVar(&cfg.NearestK, "k", 10, "k for nearest queries")
	flag.IntVar(&cfg.Seed, "seed", 0, "Locations to write before the run")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/loadgen", "Output file prefix for the JSON summary")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "Per-request timeout")
	flag.Float64Var(&cfg.RPS, "rps", 0, "Overall request rate cap (0 = unlimited)")
	flag.Parse()
	return cfg
}

type sample struct {
	Kind    string
	Latency time.Duration
	Status  int
	Partial bool
	Err     error
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	PartialCount  int64     `json:"partial"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Boxes         int       `json:"boxes"`
	NearestRatio  float64   `json:"nearest_ratio"`
	TargetURL     string    `json:"target"`
}

func main() {
	cfg := loadConfig()
	if cfg.Concurrency < 1 || cfg.BoxCount < 1 {
		log.Fatalf("concurrency and boxes must be positive")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	base := strings.TrimRight(cfg.TargetURL, "/")
	client := httpclient.NewOutbound(cfg.RequestTimeout, cfg.Concurrency)

	seed := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seed))

	if cfg.Seed > 0 {
		if err := seedLocations(context.Background(), client, base, cfg.Seed, cfg.Concurrency, r); err != nil {
			log.Fatalf("seed: %v", err)
		}
		log.Printf("seeded %d locations", cfg.Seed)
	}

	boxes := makeBoxes(cfg.BoxCount, r)
	imax := uint64(len(boxes)) - 1

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	var (
		mu      sync.Mutex
		samples []sample
	)
	record := func(s sample) {
		mu.Lock()
		samples = append(samples, s)
		mu.Unlock()
	}

	startTime := time.Now()
	log.Printf("loadgen start target=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) boxes=%d nearest=%.2f rps=%.0f",
		base, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, cfg.BoxCount, cfg.NearestRatio, cfg.RPS)

	limiter := newLimiter(cfg.RPS)

	var g errgroup.Group
	for id := range cfg.Concurrency {
		g.Go(func() error {
			rw := rand.New(rand.NewSource(seed + int64(id) + 1))
			zipf := rand.NewZipf(rw, cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				if err := limiter.Wait(ctx); err != nil {
					return nil
				}
				box := boxes[zipf.Uint64()]
				var u string
				kind := "box"
				if rw.Float64() < cfg.NearestRatio {
					kind = "nearest"
					q := url.Values{}
					q.Set("point", pointParam(seedPoint(rw)))
					q.Set("k", fmt.Sprint(cfg.NearestK))
					u = base + "/json/nearest?" + q.Encode()
				} else {
					q := url.Values{}
					q.Set("bounds", boundsParam(box))
					q.Set("center", pointParam(centers[0]))
					u = base + "/json/locations?" + q.Encode()
				}
				s := query(ctx, client, u)
				s.Kind = kind
				if errors.Is(s.Err, context.DeadlineExceeded) && ctx.Err() != nil {
					// run ended mid-request
					return nil
				}
				record(s)
			}
			return nil
		})
	}
	_ = g.Wait()

	endTime := time.Now()
	sum := summarize(samples, startTime, endTime)
	sum.Concurrency, sum.ZipfS, sum.ZipfV = cfg.Concurrency, cfg.ZipfS, cfg.ZipfV
	sum.Boxes, sum.NearestRatio, sum.TargetURL = cfg.BoxCount, cfg.NearestRatio, base

	jsonPath := fmt.Sprintf("%s_%s_summary.json", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))
	if f, err := os.Create(filepath.Clean(jsonPath)); err == nil {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		_ = enc.Encode(sum)
		_ = f.Close()
	} else {
		log.Printf("write summary: %v", err)
	}

	log.Printf("done: total=%d succ=%d err=%d partial=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		sum.TotalRequests, sum.SuccessCount, sum.ErrorCount, sum.PartialCount, sum.ThroughputRPS, sum.P50Ms, sum.P95Ms, sum.P99Ms)
	log.Printf("wrote %s", jsonPath)
}

func query(ctx context.Context, client *http.Client, u string) sample {
	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return sample{Err: err}
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	s := sample{Latency: time.Since(start), Err: err}
	if err != nil {
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	s.Partial = resp.Header.Get(router.PartialHeader) != ""
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		s.Err = fmt.Errorf("status=%d", resp.StatusCode)
	}
	return s
}

// seedLocations writes n random locations around the centers with at most
// conc requests in flight.
func seedLocations(ctx context.Context, client *http.Client, base string, n, conc int, r *rand.Rand) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(conc)
	for i := range n {
		p := seedPoint(r)
		body, err := json.Marshal(map[string]any{
			"lat": p.Lat,
			"lng": p.Lng,
			"attrs": map[string]string{
				"formatted_name": fmt.Sprintf("Location %d, Bay Area", i),
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodPut,
				fmt.Sprintf("%s/json/locations/seed-%d", base, i), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("put seed-%d: status=%d", i, resp.StatusCode)
			}
			return nil
		})
	}
	return g.Wait()
}

func summarize(samples []sample, start, end time.Time) summary {
	var s summary
	lat := make([]float64, 0, len(samples))
	for _, x := range samples {
		s.TotalRequests++
		if x.Err != nil {
			s.ErrorCount++
			continue
		}
		s.SuccessCount++
		if x.Partial {
			s.PartialCount++
		}
		lat = append(lat, float64(x.Latency.Microseconds())/1000.0)
	}
	sort.Float64s(lat)
	elapsed := math.Max(end.Sub(start).Seconds(), 1e-9)
	s.StartTime, s.EndTime, s.DurationSec = start.UTC(), end.UTC(), elapsed
	s.ThroughputRPS = float64(s.TotalRequests) / elapsed
	if len(lat) > 0 {
		s.P50Ms, s.P95Ms, s.P99Ms = percentile(lat, 50), percentile(lat, 95), percentile(lat, 99)
	}
	return s
}
