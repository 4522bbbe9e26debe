package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rickgao/energy-pipeline/internal/auth"
	"github.com/rickgao/energy-pipeline/internal/broker"
	"github.com/rickgao/energy-pipeline/internal/config"
	"github.com/rickgao/energy-pipeline/internal/dispatcher"
	"github.com/rickgao/energy-pipeline/internal/metrics"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Push notifications to WebSocket clients",
	RunE:  runDispatcher,
}

func init() {
	rootCmd.AddCommand(dispatcherCmd)
}

func runDispatcher(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig("dispatcher", config.ValidateDispatcher)
	if err != nil {
		return err
	}

	verifier, err := newVerifier(cfg.Auth)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bc, err := broker.Connect(ctx, cfg.Broker, "energyflow-dispatcher-"+cfg.Instance.ID, logger)
	if err != nil {
		return fmt.Errorf("connect broker: %w", err)
	}
	defer bc.Close()

	reg := metrics.NewRegistry()
	hub := dispatcher.NewHub(metrics.NewDispatcher(reg), logger)

	d := dispatcher.New(dispatcher.Config{
		HeartbeatInterval: cfg.Dispatcher.HeartbeatInterval,
		Prefetch:          config.DefaultPrefetch,
	}, bc, hub, logger)
	if err := d.Start(ctx); err != nil {
		hub.Close()
		return fmt.Errorf("start dispatcher: %w", err)
	}

	h := dispatcher.NewHandler(hub, verifier, dispatcher.ClientConfig{
		WriteTimeout:   cfg.Dispatcher.WriteTimeout,
		SendBuffer:     cfg.Dispatcher.SendBuffer,
		MaxMessageSize: cfg.Dispatcher.MaxMessageSize,
		ChatRate:       cfg.Dispatcher.ChatRate,
		ChatBurst:      cfg.Dispatcher.ChatBurst,
	}, logger)
	port := cfg.HTTP.PortOr(config.DefaultDispatcherPort)
	return serve(ctx, logger, cfg.HTTP, port, reg, h.RegisterRoutes, d)
}

func newVerifier(cfg config.AuthConfig) (*auth.Verifier, error) {
	if cfg.JWTSecret != "" {
		return auth.NewHMACVerifier([]byte(cfg.JWTSecret)), nil
	}
	pub, err := auth.LoadPublicKey(cfg.PublicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load auth public key: %w", err)
	}
	return auth.NewRSAVerifier(pub), nil
}
