package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mohammed-shakir/geocell-index/internal/core/config"
	"github.com/mohammed-shakir/geocell-index/internal/store"
	"github.com/mohammed-shakir/geocell-index/internal/store/dynamostore"
	"github.com/mohammed-shakir/geocell-index/internal/store/memstore"
	"github.com/mohammed-shakir/geocell-index/internal/store/redisstore"
	"github.com/mohammed-shakir/geocell-index/internal/store/sqlstore"
)

// openStore connects the configured record store. The returned func
// releases its connections.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, func(), error) {
	sc := cfg.Store
	noop := func() {}

	switch sc.Driver {
	case config.StoreMemory:
		return memstore.New(), noop, nil

	case config.StoreRedis:
		cli, err := redisstore.NewClient(ctx, sc.RedisAddr,
			redisstore.WithReadTimeout(sc.OpTimeout),
			redisstore.WithWriteTimeout(sc.OpTimeout))
		if err != nil {
			return nil, noop, fmt.Errorf("redis: %w", err)
		}
		closeFn := func() {
			if err := cli.Close(); err != nil {
				log.Warn("redis close", "err", err)
			}
		}
		return redisstore.New(cli, cfg.Index.Namespace), closeFn, nil

	case config.StoreSQL:
		db, err := sqlstore.Open(ctx, sqlstore.DBConfig{Driver: sc.SQLDriver, DSN: sc.SQLDSN, MaxOpenConns: 32, MaxIdleConns: 8})
		if err != nil {
			return nil, noop, err
		}
		closeFn := func() {
			if err := db.Close(); err != nil {
				log.Warn("sql close", "err", err)
			}
		}
		s, err := sqlstore.New(db, sqlstore.Config{Table: sc.SQLTable, MaxLevel: cfg.Index.MaxLevel})
		if err != nil {
			closeFn()
			return nil, noop, err
		}
		mctx, cancel := context.WithTimeout(ctx, sc.OpTimeout)
		defer cancel()
		if err := s.Migrate(mctx); err != nil {
			closeFn()
			return nil, noop, err
		}
		return s, closeFn, nil

	case config.StoreDynamoDB:
		cli, err := dynamostore.NewClient(ctx, sc.DynamoRegion, sc.DynamoEndpoint)
		if err != nil {
			return nil, noop, fmt.Errorf("dynamodb: %w", err)
		}
		s, err := dynamostore.New(cli, dynamostore.Config{Table: sc.DynamoTable, MaxLevel: cfg.Index.MaxLevel})
		if err != nil {
			return nil, noop, err
		}
		return s, noop, nil
	}
	return nil, noop, fmt.Errorf("unknown store driver %q", sc.Driver)
}
