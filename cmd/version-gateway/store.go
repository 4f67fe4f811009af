package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/version-gateway/ping"
	"github.com/wolfeidau/version-gateway/store"
	"github.com/wolfeidau/version-gateway/store/metadb"
	"github.com/wolfeidau/version-gateway/store/redisdb"
)

// StoreFlags select and locate the ping store.
type StoreFlags struct {
	Store    string `help:"Store backend." enum:"bolt,redis" default:"bolt" env:"GATEWAY_STORE"`
	BoltPath string `help:"Path of the bbolt database." default:"./version-gateway.db" type:"path" env:"GATEWAY_BOLT_PATH"`
	RedisURL string `help:"Redis URL, redis://[:password@]host:port/db." default:"redis://localhost:6379/0" env:"GATEWAY_REDIS_URL"`
}

// KeyFlags configure how ping keys map to days.
type KeyFlags struct {
	Epoch int64 `help:"Reference epoch in unix milliseconds. Never change it once pings exist." default:"1649217600000" env:"GATEWAY_EPOCH"`
}

func (k KeyFlags) epoch() time.Time {
	return time.UnixMilli(k.Epoch).UTC()
}

// openedStore is the ping store plus the bolt handle when bolt is in use,
// which needs an expiry reaper for its response cache.
type openedStore struct {
	store.Store
	bolt *metadb.BoltDB
}

func openStore(ctx context.Context, flags StoreFlags, logger *slog.Logger) (*openedStore, error) {
	switch flags.Store {
	case "redis":
		s, err := redisdb.Open(ctx, flags.RedisURL, redisdb.WithLogger(logger.With("component", "redisdb")))
		if err != nil {
			return nil, err
		}
		logger.Info("opened redis store")
		return &openedStore{Store: s}, nil
	case "bolt", "":
		db, err := metadb.Open(flags.BoltPath, metadb.WithLogger(logger.With("component", "metadb")))
		if err != nil {
			return nil, err
		}
		logger.Info("opened bolt store", "path", flags.BoltPath)
		return &openedStore{Store: db, bolt: db}, nil
	default:
		return nil, fmt.Errorf("unknown store backend: %s", flags.Store)
	}
}

// ReindexCmd rebuilds the pre-aggregated day counters.
type ReindexCmd struct {
	StoreFlags `embed:""`
	KeyFlags   `embed:""`

	PageSize int `help:"Keys listed per store call." default:"1000" env:"GATEWAY_REINDEX_PAGE_SIZE"`
}

// Run rebuilds the counters. Stop the gateway first: pings written during
// the rebuild may be miscounted.
func (c *ReindexCmd) Run(logger *slog.Logger) error {
	ctx := context.Background()

	s, err := openStore(ctx, c.StoreFlags, logger)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()

	// The salt only matters when building keys, not when reading them back.
	keys := ping.NewKeyBuilder("", c.epoch())
	agg := ping.NewAggregator(s, keys,
		ping.WithPageSize(c.PageSize),
		ping.WithAggregatorLogger(logger.With("component", "aggregator")),
	)

	start := time.Now()
	n, err := agg.Reindex(ctx)
	if err != nil {
		return fmt.Errorf("reindexing: %w", err)
	}
	logger.Info("reindex complete", "pings", n, "duration", time.Since(start).String())
	return nil
}
