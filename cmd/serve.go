package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/audiolibrelab/fairrecord/internal/metrics"
	"github.com/audiolibrelab/fairrecord/internal/server"
	"github.com/audiolibrelab/fairrecord/internal/service"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the FairRecord web server to control recording over HTTP.
Tracks can be added, removed, started and stopped, levels are streamed as
server-sent events and prometheus metrics are served at /metrics.

The server will display the local network URL for easy access from other devices.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		listen, _ := cmd.Flags().GetString("listen")
		if listen == "" {
			listen = cfg.Server.Listen
		}

		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		captureMetrics, err := metrics.NewCaptureMetrics(registry)
		if err != nil {
			return fmt.Errorf("failed to register metrics: %w", err)
		}

		svc, err := service.New(cfg, cfgFile, service.Options{Observer: captureMetrics})
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		defer svc.Close()

		srv := server.New(svc, server.Options{
			Listen:   listen,
			Registry: registry,
			Forget:   captureMetrics.Forget,
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		slog.Info("FairRecord web server starting", "listen", listen, "config", cfgFile, "profile", cfg.Profile)

		// Start server (this blocks until interrupted)
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}

		if _, err := svc.StopRecording(); err != nil {
			slog.Warn("Failed to stop recording on shutdown", "error", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address for the web server (default from config, :8080)")
}
