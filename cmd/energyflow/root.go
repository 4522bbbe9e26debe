package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rickgao/energy-pipeline/internal/config"
	"github.com/rickgao/energy-pipeline/internal/httpserver"
	"github.com/rickgao/energy-pipeline/internal/metrics"
	"github.com/rickgao/energy-pipeline/internal/version"
)

const shutdownTimeout = 30 * time.Second

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "energyflow",
	Short: "Energy telemetry pipeline",
	Long: `energyflow routes device measurements to shard queues, aggregates them into
hourly consumption, and pushes overconsumption alerts to connected browsers.
Each subcommand runs one component.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "configs/energyflow.yaml", "path to config file")
}

// loadConfig loads and validates the config for one component and installs
// the configured logger as the default.
func loadConfig(component string, validate func(*config.Config) error) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadAndValidate(cfgFile, validate)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	logger = logger.With("component", component, "instance", cfg.Instance.ID)
	slog.SetDefault(logger)

	logger.Info("starting "+component, version.LogAttrs(), "config", cfgFile)
	return cfg, logger, nil
}

func newLogger(cfg config.LogConfig) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	opts := &slog.HandlerOptions{Level: level}

	switch cfg.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
	default:
		return nil, fmt.Errorf("log.format %q is not text or json", cfg.Format)
	}
}

// component is a started pipeline component.
type component interface {
	Stop(ctx context.Context) error
}

// serve exposes routes and metrics over HTTP until ctx ends, then stops the
// component and the listener.
func serve(ctx context.Context, logger *slog.Logger, cfg config.HTTPConfig, port int, reg *prometheus.Registry, routes func(*mux.Router), c component) error {
	m := mux.NewRouter()
	routes(m)
	m.Handle(cfg.MetricsPath, metrics.Handler(reg)).Methods(http.MethodGet)

	srv := httpserver.New(port, m, logger)
	if err := srv.Start(); err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, c.Stop(stopCtx))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return errors.Join(c.Stop(stopCtx), srv.Stop(stopCtx))
}
