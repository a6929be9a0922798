package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mohammed-shakir/geocell-index/internal/cache/cellcache"
	"github.com/mohammed-shakir/geocell-index/internal/core/config"
	"github.com/mohammed-shakir/geocell-index/internal/core/observability"
	"github.com/mohammed-shakir/geocell-index/internal/core/router"
	"github.com/mohammed-shakir/geocell-index/internal/core/server"
	"github.com/mohammed-shakir/geocell-index/internal/executor"
	"github.com/mohammed-shakir/geocell-index/internal/geoindex"
	"github.com/mohammed-shakir/geocell-index/internal/invalidation"
	"github.com/mohammed-shakir/geocell-index/internal/logger"
	"github.com/mohammed-shakir/geocell-index/internal/metrics"
	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	envFile := flag.String("env", ".env", "optional dotenv file")
	flag.Parse()
	// a missing .env is fine; the environment wins over the file
	_ = godotenv.Load(*envFile)

	cfg := config.FromEnv()

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Namespace: cfg.Index.Namespace,
		Component: "geocell-server",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	if err := cfg.Validate(); err != nil {
		appLog.Error("invalid configuration", "err", err)
		return 2
	}

	prov := metrics.Init(metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Path:      cfg.Metrics.Path,
		Namespace: cfg.Index.Namespace,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	observability.Init(prov.Registerer(), cfg.Metrics.Enabled)
	observability.SetNamespace(cfg.Index.Namespace)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("starting geocell server",
		"addr", cfg.Addr,
		"version", Version,
		"namespace", cfg.Index.Namespace,
		"store", cfg.Store.Driver,
		"max_level", cfg.Index.MaxLevel)

	base, closeStore, err := openStore(ctx, cfg, appLog)
	if err != nil {
		appLog.Error("store setup failed", "driver", cfg.Store.Driver, "err", err)
		return 1
	}
	defer closeStore()

	var s store.Store = base
	var cache *cellcache.Store
	if cfg.CellCache.Enabled {
		cache = cellcache.New(base, cellcache.Config{Size: cfg.CellCache.Size, TTL: cfg.CellCache.TTL})
		s = cache
	}

	opts := []geoindex.Option{geoindex.WithLogger(appLog)}
	inv := cfg.Invalidation
	kafkaOn := inv.Enabled && inv.Driver == kafka.DriverKafka
	if kafkaOn && cfg.PublishChanges {
		sc, err := inv.Sarama()
		if err != nil {
			appLog.Error("kafka config", "err", err)
			return 1
		}
		pub, err := invalidation.NewPublisher(inv.Brokers, inv.Topic, sc)
		if err != nil {
			appLog.Error("change publisher setup failed", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("change publisher close", "err", err)
			}
		}()
		opts = append(opts, geoindex.WithNotifier(pub))
	}

	ix, err := geoindex.New(s, geoindex.Config{
		Namespace: cfg.Index.Namespace,
		MaxLevel:  cfg.Index.MaxLevel,
		MinLevel:  cfg.Index.MinLevel,
		FanoutCap: cfg.Index.FanoutCap,
		Executor: executor.Config{
			Workers:         cfg.Scatter.Workers,
			PageSize:        cfg.Scatter.PageSize,
			SubQueryTimeout: cfg.Scatter.SubQueryTimeout,
			Batch:           cfg.Scatter.Batch,
		},
		MaxStale:    cfg.Proximity.MaxStale,
		StaleFloorM: cfg.Proximity.StaleFloorM,
	}, opts...)
	if err != nil {
		appLog.Error("index setup failed", "err", err)
		return 1
	}

	deps := server.Deps{
		API:     router.New(appLog, cfg, ix),
		Store:   ix,
		Metrics: prov.Handler(),
	}

	// only a local cell cache has anything to evict
	if kafkaOn && cache != nil {
		runner := kafka.New(inv, cache, kafka.Options{
			Logger:    appLog,
			Register:  prov.Registerer(),
			Namespace: cfg.Index.Namespace,
		})
		if err := runner.Start(ctx); err != nil {
			appLog.Error("invalidation runner start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		deps.Consumer = runner
	}

	if err := server.Run(ctx, cfg, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}
