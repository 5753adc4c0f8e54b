package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/apexgames-io/arbiter/internal/arbiter"
	"github.com/apexgames-io/arbiter/internal/config"
	"github.com/apexgames-io/arbiter/internal/db"
	"github.com/apexgames-io/arbiter/internal/identity"
	"github.com/apexgames-io/arbiter/internal/notify"
	"github.com/apexgames-io/arbiter/internal/observability"
	"github.com/apexgames-io/arbiter/internal/server"
	"github.com/apexgames-io/arbiter/internal/template"
	"github.com/apexgames-io/arbiter/internal/template/chessgame"
	"github.com/apexgames-io/arbiter/internal/template/rps"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "arbiterd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultConfig()
	var configPath string

	cmd := &cobra.Command{
		Use:           "arbiterd",
		Short:         "Authoritative coordination engine for turn-based games",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if configPath != "" {
				loaded, err := config.LoadFile(configPath, cfg)
				if err != nil {
					return err
				}
				// Explicit flags win over the config file.
				if !cmd.Flags().Changed("addr") {
					cfg.ListenAddr = loaded.ListenAddr
				}
				if !cmd.Flags().Changed("db") {
					cfg.DBPath = loaded.DBPath
				}
				cfg.ClaimTTL = loaded.ClaimTTL
				cfg.ShutdownTimeout = loaded.ShutdownTimeout
			}
			return run(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&cfg.ListenAddr, "addr", cfg.ListenAddr, "listen address")
	cmd.Flags().StringVar(&cfg.DBPath, "db", cfg.DBPath, "sqlite path")
	cmd.Flags().StringVar(&configPath, "config", "", "optional YAML config file")
	return cmd
}

func run(parent context.Context, cfg config.Config) error {
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck

	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	registry := template.NewRegistry(
		rps.New(),
		chessgame.New(chessgame.NewOracle()),
	)
	notifier := notify.NewNotifier()
	idsvc := identity.NewService(store, cfg.ClaimTTL)
	arb := arbiter.New(store, registry, notifier)

	observability.Logger().Info("starting", "db", cfg.DBPath, "templates", registry.IDs())

	srv := server.NewServer(cfg, idsvc, arb, notifier)
	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
