package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fablehost/fable/internal/config"
	"github.com/fablehost/fable/internal/httpapi"
	"github.com/fablehost/fable/internal/orchestrator"
	"github.com/fablehost/fable/internal/plugin"
	"github.com/fablehost/fable/internal/storage"
	bboltstore "github.com/fablehost/fable/internal/storage/bbolt"
	sqlitestore "github.com/fablehost/fable/internal/storage/sqlite"
	"github.com/fablehost/fable/internal/telemetry"
)

const version = "0.1.0"

func main() {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	root := newRootCmd(logger)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(logger *log.Logger) *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:   "fable",
		Short: "fable - character chat host with subprocess tool plugins",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file path")

	root.AddCommand(serveCmd(&configPath, logger))
	root.AddCommand(pluginsCmd(logger))
	root.AddCommand(hashPasswordCmd())
	root.AddCommand(versionCmd())
	return root
}

func serveCmd(configPath *string, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the chat host: storage, plugins, provider, HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					logger.Printf("store close: %v", err)
				}
			}()

			metrics := &telemetry.Metrics{}
			registry := plugin.NewRegistry("fable", version, logger, metrics)
			defer func() {
				if err := registry.Close(); err != nil {
					logger.Printf("registry close: %v", err)
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := registry.Discover(ctx, cfg.Plugins.Dir); err != nil {
				return err
			}

			health, err := plugin.NewHealthMonitor(registry, cfg.Plugins.HealthInterval, logger, metrics)
			if err != nil {
				return fmt.Errorf("health interval %q: %w", cfg.Plugins.HealthInterval, err)
			}
			health.Start()
			defer health.Stop()

			engine := orchestrator.NewEngine(store, registry, logger, metrics)
			api := httpapi.NewServer(store, registry, engine, cfg, logger, metrics)

			srv := &http.Server{
				Addr:    cfg.ListenAddr(),
				Handler: api.Router(),
			}
			errCh := make(chan error, 1)
			go func() {
				logger.Printf("listening on %s", srv.Addr)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				logger.Printf("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Printf("http shutdown: %v", err)
				}
			}
			return nil
		},
	}
}

func pluginsCmd(logger *log.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plugins",
		Short: "Plugin operator tooling",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect <path>",
		Short: "Spawn a plugin, print its manifest, and kill it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := plugin.NewRegistry("fable", version, logger, nil)
			defer func() { _ = registry.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			manifest, err := registry.Load(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(manifest, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Hash an operator password for the config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := httpapi.HashPassword(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fable version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fable %s\n", version)
		},
	}
}

func openStore(cfg config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendSQLite:
		return sqlitestore.Open(cfg.Storage.DBPath)
	case config.BackendBBolt, "":
		return bboltstore.Open(cfg.Storage.DBPath)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
