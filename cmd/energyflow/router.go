package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/config"
	"github.com/rickgao/energy-pipeline/internal/database"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/router"
	"github.com/rickgao/energy-pipeline/internal/store"
)

var routerCmd = &cobra.Command{
	Use:   "router",
	Short: "Route device measurements to shard queues",
	RunE:  runRouter,
}

func init() {
	rootCmd.AddCommand(routerCmd)
}

func runRouter(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig("router", config.ValidateRouter)
	if err != nil {
		return err
	}

	strategy, err := router.ParseStrategy(cfg.Router.Strategy)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bc, err := broker.Connect(ctx, cfg.Broker, "energyflow-router-"+cfg.Instance.ID, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bc.Close()

	// Device sharding follows the mirrored device population.
	var devices router.DeviceLister
	if strategy == router.DeviceSharding {
		pool, err := database.Connect(ctx, cfg.Database, "energyflow-router", logger)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		devices = store.New(pool, logger)
	}

	reg := metrics.NewRegistry()
	r := router.New(router.Config{
		Strategy:       strategy,
		ShardCount:     cfg.Router.ShardCount,
		Prefetch:       cfg.Router.Prefetch,
		ResyncInterval: cfg.Router.ResyncInterval,
	}, bc, devices, metrics.NewRouter(reg), logger)

	if err := r.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}

	h := router.NewHandler(r)
	port := cfg.HTTP.PortOr(config.DefaultRouterPort)
	return serve(ctx, logger, cfg.HTTP, port, reg, h.RegisterRoutes, r)
}
