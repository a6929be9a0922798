// Package config reads the service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/geocell-index/internal/cache/cellcache"
	"github.com/mohammed-shakir/geocell-index/internal/executor"
	"github.com/mohammed-shakir/geocell-index/internal/mapper/geocell"
	"github.com/mohammed-shakir/geocell-index/internal/planner"
	"github.com/mohammed-shakir/geocell-index/internal/proximity"
	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/internal/store/sqlstore"
	"github.com/mohammed-shakir/geocell-index/pkg/invalidation/kafka"
)

const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StoreSQL      = "sql"
	StoreDynamoDB = "dynamodb"
)

type IndexCfg struct {
	Namespace string
	MaxLevel  int
	MinLevel  int
	FanoutCap int
}

type ScatterCfg struct {
	Workers         int
	PageSize        int
	SubQueryTimeout time.Duration
	Batch           bool
}

type ProximityCfg struct {
	MaxStale       int
	StaleFloorM    float64
	DefaultK       int
	DefaultRadiusM float64
	MaxK           int
}

type StoreCfg struct {
	Driver string

	RedisAddr string

	SQLDriver string
	SQLDSN    string
	SQLTable  string

	DynamoTable    string
	DynamoRegion   string
	DynamoEndpoint string

	OpTimeout time.Duration
}

type CellCacheCfg struct {
	Enabled bool
	Size    int
	TTL     time.Duration
}

type MetricsCfg struct {
	Enabled bool
	Path    string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	Index     IndexCfg
	Scatter   ScatterCfg
	Proximity ProximityCfg
	Store     StoreCfg
	CellCache CellCacheCfg
	Metrics   MetricsCfg

	// PublishChanges sends a change event for every write when invalidation is enabled.
	PublishChanges bool
	Invalidation   kafka.InvalidationConfig

	ShutdownTimeout time.Duration
}

func FromEnv() Config {
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		Index: IndexCfg{
			Namespace: getenv("INDEX_NAMESPACE", "geocell"),
			MaxLevel:  getint("GEOCELL_MAX_LEVEL", geocell.MaxResolution),
			MinLevel:  getint("GEOCELL_MIN_LEVEL", planner.DefaultMinLevel),
			FanoutCap: getint("PLANNER_FANOUT_CAP", planner.DefaultFanoutCap),
		},
		Scatter: ScatterCfg{
			Workers:         getint("SCATTER_WORKERS", executor.DefaultWorkers),
			PageSize:        getint("SCATTER_PAGE_SIZE", store.DefaultPageSize),
			SubQueryTimeout: getduration("SCATTER_SUBQUERY_TIMEOUT", executor.DefaultSubQueryTimeout),
			Batch:           getbool("SCATTER_BATCH", false),
		},
		Proximity: ProximityCfg{
			MaxStale:       getint("PROXIMITY_MAX_STALE", proximity.DefaultMaxStale),
			StaleFloorM:    getfloat("PROXIMITY_STALE_FLOOR_M", proximity.DefaultStaleFloorM),
			DefaultK:       getint("PROXIMITY_DEFAULT_K", 10),
			DefaultRadiusM: getfloat("PROXIMITY_DEFAULT_RADIUS_M", 50000),
			MaxK:           getint("PROXIMITY_MAX_K", 1000),
		},
		Store: StoreCfg{
			Driver:         strings.ToLower(getenv("STORE_DRIVER", StoreMemory)),
			RedisAddr:      getenv("REDIS_ADDR", "localhost:6379"),
			SQLDriver:      getenv("SQL_DRIVER", sqlstore.DriverSQLite),
			SQLDSN:         getenv("SQL_DSN", "file:geocell.db?cache=shared"),
			SQLTable:       getenv("SQL_TABLE", sqlstore.DefaultTable),
			DynamoTable:    getenv("DYNAMO_TABLE", "geocell_entities"),
			DynamoRegion:   getenv("AWS_REGION", "us-east-1"),
			DynamoEndpoint: getenv("DYNAMO_ENDPOINT", ""),
			OpTimeout:      getduration("STORE_OP_TIMEOUT", 5*time.Second),
		},
		CellCache: CellCacheCfg{
			Enabled: getbool("CELL_CACHE_ENABLED", false),
			Size:    getint("CELL_CACHE_SIZE", cellcache.DefaultSize),
			TTL:     getduration("CELL_CACHE_TTL", cellcache.DefaultTTL),
		},
		Metrics: MetricsCfg{
			Enabled: getbool("METRICS_ENABLED", true),
			Path:    getenv("METRICS_PATH", "/metrics"),
		},

		PublishChanges: getbool("INVALIDATION_PUBLISH", true),
		Invalidation:   kafka.FromEnv(),

		ShutdownTimeout: getduration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}
}

// Validate rejects settings the index cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Index.MaxLevel < 1 || c.Index.MaxLevel > geocell.MaxResolution {
		errs = append(errs, fmt.Errorf("GEOCELL_MAX_LEVEL %d outside 1..%d", c.Index.MaxLevel, geocell.MaxResolution))
	}
	if c.Index.MinLevel < 1 || c.Index.MinLevel > c.Index.MaxLevel {
		errs = append(errs, fmt.Errorf("GEOCELL_MIN_LEVEL %d outside 1..%d", c.Index.MinLevel, c.Index.MaxLevel))
	}
	if c.Index.FanoutCap < 1 {
		errs = append(errs, errors.New("PLANNER_FANOUT_CAP must be positive"))
	}
	if c.Proximity.DefaultK < 1 || c.Proximity.DefaultK > c.Proximity.MaxK {
		errs = append(errs, fmt.Errorf("PROXIMITY_DEFAULT_K %d outside 1..%d", c.Proximity.DefaultK, c.Proximity.MaxK))
	}
	if c.Proximity.StaleFloorM <= 0 {
		errs = append(errs, errors.New("PROXIMITY_STALE_FLOOR_M must be positive"))
	}
	if c.Proximity.DefaultRadiusM <= 0 {
		errs = append(errs, errors.New("PROXIMITY_DEFAULT_RADIUS_M must be positive"))
	}
	switch c.Store.Driver {
	case StoreMemory, StoreRedis, StoreDynamoDB:
	case StoreSQL:
		if c.Store.SQLDriver != sqlstore.DriverSQLite && c.Store.SQLDriver != sqlstore.DriverPostgres {
			errs = append(errs, fmt.Errorf("SQL_DRIVER %q must be %s or %s", c.Store.SQLDriver, sqlstore.DriverSQLite, sqlstore.DriverPostgres))
		}
	default:
		errs = append(errs, fmt.Errorf("STORE_DRIVER %q must be memory|redis|sql|dynamodb", c.Store.Driver))
	}
	return errors.Join(errs...)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
