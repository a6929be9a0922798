// Package observability holds the Prometheus collectors recorded by the index,
// the stores and the HTTP layer.
package observability

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultNamespace = "default"

var namespaceLabel atomic.Value

func init() {
	namespaceLabel.Store(defaultNamespace)
}

// SetNamespace sets the index namespace label attached to query metrics.
func SetNamespace(ns string) {
	if ns == "" {
		ns = defaultNamespace
	}
	namespaceLabel.Store(ns)
}

func getNamespace() string {
	if s, ok := namespaceLabel.Load().(string); ok && s != "" {
		return s
	}
	return defaultNamespace
}

type collectors struct {
	httpRequests        *prometheus.CounterVec
	httpDuration        *prometheus.HistogramVec
	storeOpDuration     *prometheus.HistogramVec
	planLevel           *prometheus.HistogramVec
	planFanout          *prometheus.HistogramVec
	subQueryDuration    *prometheus.HistogramVec
	partialResults      *prometheus.CounterVec
	scatterFailures     *prometheus.CounterVec
	proximityIterations *prometheus.HistogramVec
	proximityResults    *prometheus.HistogramVec
	cellCacheResults    *prometheus.CounterVec
	cellCacheEvictions  prometheus.Counter
	writes              *prometheus.CounterVec
}

var current atomic.Pointer[collectors]

func newCollectors() *collectors {
	return &collectors{
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "http_requests_total", Help: "Total number of HTTP requests."},
			[]string{"method", "route", "status", "namespace"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
			},
			[]string{"method", "route", "status", "namespace"},
		),
		storeOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "store_operation_duration_seconds",
				Help:    "Latency of record store operations.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"backend", "op", "result"},
		),
		planLevel: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geocell_plan_level",
				Help:    "Cell level chosen for box queries.",
				Buckets: prometheus.LinearBuckets(0, 1, 14),
			},
			[]string{"namespace"},
		),
		planFanout: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geocell_plan_cells",
				Help:    "Number of cells scattered per box query.",
				Buckets: []float64{1, 2, 4, 8, 16, 24, 32, 48, 64},
			},
			[]string{"namespace"},
		),
		subQueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geocell_subquery_duration_seconds",
				Help:    "Latency of one per-cell sub-query including paging.",
				Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
			},
			[]string{"namespace", "result"},
		),
		partialResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "geocell_partial_results_total", Help: "Box queries where some cells failed."},
			[]string{"namespace"},
		),
		scatterFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "geocell_scatter_failures_total", Help: "Box queries where every cell failed."},
			[]string{"namespace"},
		),
		proximityIterations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geocell_proximity_iterations",
				Help:    "Box expansions per nearest query.",
				Buckets: prometheus.LinearBuckets(1, 1, 16),
			},
			[]string{"namespace"},
		),
		proximityResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "geocell_proximity_results",
				Help:    "Entries returned per nearest query.",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"namespace"},
		),
		cellCacheResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "cell_cache_results_total", Help: "Cell page cache lookups by outcome."},
			[]string{"outcome", "namespace"},
		),
		cellCacheEvictions: prometheus.NewCounter(
			prometheus.CounterOpts{Name: "cell_cache_invalidations_total", Help: "Cached cell pages dropped by invalidation."},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{Name: "geocell_writes_total", Help: "Entity writes by operation and result."},
			[]string{"op", "result", "namespace"},
		),
	}
}

func (c *collectors) all() []prometheus.Collector {
	return []prometheus.Collector{
		c.httpRequests, c.httpDuration, c.storeOpDuration,
		c.planLevel, c.planFanout, c.subQueryDuration,
		c.partialResults, c.scatterFailures,
		c.proximityIterations, c.proximityResults,
		c.cellCacheResults, c.cellCacheEvictions, c.writes,
	}
}

// Init installs a fresh set of collectors registered with reg. With enabled
// false every recorder becomes a no-op.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		current.Store(nil)
		return
	}
	c := newCollectors()
	for _, col := range c.all() {
		if err := reg.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
	current.Store(c)
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	c := current.Load()
	if c == nil {
		return
	}
	ns, st := getNamespace(), strconv.Itoa(status)
	c.httpRequests.WithLabelValues(method, route, st, ns).Inc()
	c.httpDuration.WithLabelValues(method, route, st, ns).Observe(durationSeconds)
}

func ObserveStoreOp(backend, op string, err error, durationSeconds float64) {
	if c := current.Load(); c != nil {
		c.storeOpDuration.WithLabelValues(backend, op, result(err)).Observe(durationSeconds)
	}
}

func ObservePlan(level, cells int) {
	if c := current.Load(); c != nil {
		ns := getNamespace()
		c.planLevel.WithLabelValues(ns).Observe(float64(level))
		c.planFanout.WithLabelValues(ns).Observe(float64(cells))
	}
}

func ObserveSubQuery(err error, durationSeconds float64) {
	if c := current.Load(); c != nil {
		c.subQueryDuration.WithLabelValues(getNamespace(), result(err)).Observe(durationSeconds)
	}
}

func IncPartialResults() {
	if c := current.Load(); c != nil {
		c.partialResults.WithLabelValues(getNamespace()).Inc()
	}
}

func IncScatterFailed() {
	if c := current.Load(); c != nil {
		c.scatterFailures.WithLabelValues(getNamespace()).Inc()
	}
}

func ObserveProximity(iterations, results int) {
	if c := current.Load(); c != nil {
		ns := getNamespace()
		c.proximityIterations.WithLabelValues(ns).Observe(float64(iterations))
		c.proximityResults.WithLabelValues(ns).Observe(float64(results))
	}
}

func AddCellCacheHits(n int) {
	if c := current.Load(); c != nil && n > 0 {
		c.cellCacheResults.WithLabelValues("hit", getNamespace()).Add(float64(n))
	}
}

func AddCellCacheMisses(n int) {
	if c := current.Load(); c != nil && n > 0 {
		c.cellCacheResults.WithLabelValues("miss", getNamespace()).Add(float64(n))
	}
}

func AddCellCacheInvalidations(n int) {
	if c := current.Load(); c != nil && n > 0 {
		c.cellCacheEvictions.Add(float64(n))
	}
}

// IncWrite counts a put or delete.
func IncWrite(op string, err error) {
	if c := current.Load(); c != nil {
		c.writes.WithLabelValues(op, result(err), getNamespace()).Inc()
	}
}
