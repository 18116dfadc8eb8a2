package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rontubot/rondesk/internal/api"
	"github.com/rontubot/rondesk/internal/daemon"
	"github.com/spf13/cobra"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the rondesk daemon",
	Long:  "Start the shell daemon. It supervises the assistant, runs background tasks and serves the UI socket.",
	RunE:  runDaemon,
}

var (
	apiAddr    string
	configPath string
)

func init() {
	daemonCmd.Flags().StringVar(&apiAddr, "api-addr", "", "Optional TCP address for API (e.g. 127.0.0.1:9090), overrides api_addr")
	daemonCmd.Flags().StringVar(&configPath, "config", "", "Config file (default ~/.rondesk/config.yaml)")
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dir := rondeskHome()
	slog.Info("rondesk daemon starting", "dir", dir)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	var opts []daemon.Option
	if configPath != "" {
		opts = append(opts, daemon.WithConfigPath(configPath))
	}
	d := daemon.NewDaemon(dir, opts...)
	if err := d.Start(ctx); err != nil {
		if errors.Is(err, daemon.ErrLocked) {
			return fmt.Errorf("%w (lock file %s)", err, filepath.Join(dir, "daemon.lock"))
		}
		return fmt.Errorf("starting daemon: %w", err)
	}

	// The lock is held, so any socket left behind is stale.
	socketPath := defaultSocketPath()
	os.Remove(socketPath)

	srv := api.NewServer(d, d.Context())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenUnix(socketPath)
	}()

	addr := apiAddr
	if addr == "" {
		addr = d.Config().APIAddr
	}
	if addr != "" {
		go func() {
			if err := srv.ListenTCP(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("TCP API error", "error", err)
			}
		}()
	}

	slog.Info("rondesk daemon ready", "socket", socketPath)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server error", "error", err)
		}
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	srv.Shutdown(shutdownCtx)
	d.Stop(30 * time.Second)
	cancel()
	os.Remove(socketPath)

	slog.Info("rondesk daemon stopped")
	return nil
}
