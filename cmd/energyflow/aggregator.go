package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/energy-pipeline/internal/aggregator"
	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/config"
	"github.com/rickgao/energy-pipeline/internal/database"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/mirror"
	"github.com/rickgao/energy-pipeline/internal/store"
)

var aggregatorDiscover bool

var aggregatorCmd = &cobra.Command{
	Use:   "aggregator",
	Short: "Aggregate shard queues into hourly consumption",
	RunE:  runAggregator,
}

func init() {
	aggregatorCmd.Flags().BoolVar(&aggregatorDiscover, "discover", false, "follow the mirrored device population instead of aggregator.shards")
	rootCmd.AddCommand(aggregatorCmd)
}

func runAggregator(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig("aggregator", func(c *config.Config) error {
		if aggregatorDiscover {
			c.Aggregator.Discover = true
		}
		return config.ValidateAggregator(c)
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Database, "energyflow-aggregator", logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	st := store.New(pool, logger)
	if err := st.EnsureSchema(ctx); err != nil {
		return err
	}

	bc, err := broker.Connect(ctx, cfg.Broker, "energyflow-aggregator-"+cfg.Instance.ID, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bc.Close()

	// Device lookups go through Redis when configured.
	var (
		lookup      aggregator.DeviceLookup = st
		invalidator mirror.Invalidator
	)
	if cfg.Redis.Addr != "" {
		rdb := mirror.NewRedisClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		defer rdb.Close()
		cached := mirror.NewCached(st, rdb, cfg.Redis.TTL, logger)
		lookup, invalidator = cached, cached
		logger.Info("mirror cache enabled", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.TTL)
	}

	suppressor := aggregator.NewSuppressor()
	defer suppressor.Close()

	reg := metrics.NewRegistry()
	processor := aggregator.NewProcessor(st, lookup, bc, suppressor,
		cfg.Aggregator.SampleInterval, metrics.NewAggregator(reg), logger)
	syncer := mirror.NewSyncer(st, invalidator, logger)

	agg := aggregator.New(aggregator.Config{
		Shards:         cfg.Aggregator.Shards,
		Discover:       cfg.Aggregator.Discover,
		ResyncInterval: cfg.Aggregator.ResyncInterval,
		SyncService:    cfg.Aggregator.SyncService,
	}, bc, processor, st, syncer.Handle, logger)

	if err := agg.Start(ctx); err != nil {
		return fmt.Errorf("start aggregator: %w", err)
	}

	h := aggregator.NewHandler(st, bc, agg, logger)
	port := cfg.HTTP.PortOr(config.DefaultAggregatorPort)
	return serve(ctx, logger, cfg.HTTP, port, reg, h.RegisterRoutes, agg)
}
