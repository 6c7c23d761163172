// Command sandboxd runs the sandbox execution broker: an authenticated HTTP
// service that provisions short-lived containerized workspaces, runs shell
// commands inside them, and returns results plus an optional patch.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sandboxbroker/sandboxd/internal/api"
	"github.com/sandboxbroker/sandboxd/internal/config"
	"github.com/sandboxbroker/sandboxd/internal/dockerengine"
	"github.com/sandboxbroker/sandboxd/internal/logging"
	"github.com/sandboxbroker/sandboxd/internal/session"
)

// Version is set via ldflags at build time.
var Version = "dev"

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "sandboxd",
	Short:   "Remote sandbox execution broker",
	Version: Version,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the broker version",
	RunE: func(cmd *cobra.Command, args []string) error {
		fmt.Println(Version)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP surface",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logging.Init(logging.Config{Level: cfg.LogLevel, Pretty: cfg.Environment == "local"})
	log := logging.Logger

	docker, err := dockerengine.NewClient()
	if err != nil {
		return fmt.Errorf("docker client init: %w", err)
	}

	engine := session.New(docker, session.Config{
		RunUID:   cfg.RunUID,
		RunGID:   cfg.RunGID,
		Runtime:  cfg.Runtime,
		GitImage: cfg.GitImage,
	})

	srv := api.New(engine, docker, cfg.APIKey, Version, cfg.NetworkEnabled, cfg.MetricsEnabled)

	httpServer := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: srv.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("sandboxd listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
