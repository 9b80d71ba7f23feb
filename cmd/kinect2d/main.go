// Command kinect2d runs a streamkinect2 server: it loads configuration from
// the environment, wires up logging, metrics and discovery, then serves
// control and depth sockets until signalled to stop.
//
// No capture-device driver ships with this binary (spec §1 Non-goals); it
// starts with zero devices attached, exposed here only so the server half
// of the fabric can be exercised without a library caller writing its own
// main(). Real deployments embed internal/server directly and call
// AddKinect themselves.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rjw57/streamkinect2/internal/config"
	"github.com/rjw57/streamkinect2/internal/logging"
	"github.com/rjw57/streamkinect2/internal/metrics"
	"github.com/rjw57/streamkinect2/internal/platform"
	"github.com/rjw57/streamkinect2/internal/server"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"
)

func main() {
	debug := flag.Bool("debug", false, "enable debug logging (overrides KINECT2_LOG_LEVEL)")
	flag.Parse()

	bootstrap := log.New(os.Stdout, "[kinect2d] ", log.LstdFlags)

	cfg, err := config.LoadServerConfig()
	if err != nil {
		bootstrap.Fatalf("failed to load configuration: %v", err)
	}
	if *debug {
		cfg.LogLevel = "debug"
	}

	logger := logging.New(logging.Config{Level: cfg.LogLevel, Format: logging.Format(cfg.LogFormat), Component: "server"})

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	metricsReg := metrics.New(reg, "kinect2d")

	srv, err := server.New(server.Config{
		Name:        cfg.Name,
		Address:     cfg.Address,
		Advertise:   cfg.Advertise,
		WorkerCount: cfg.WorkerCount,
		MaxInFlight: cfg.MaxInFlight,
		Logger:      logger,
		Metrics:     metricsReg,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create server")
	}
	if err := srv.Start(); err != nil {
		logger.Fatal().Err(err).Msg("failed to start server")
	}
	logger.Info().Str("name", srv.Name()).Str("control_endpoint", srv.ControlEndpoint()).Msg("kinect2d ready")

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server failed")
		}
	}()

	sampleCtx, stopSampling := context.WithCancel(context.Background())
	defer stopSampling()
	go sampleResourceUsage(sampleCtx, logger, metricsReg)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if err := srv.Stop(); err != nil {
		logger.Error().Err(err).Msg("error during shutdown")
	}
}

// sampleResourceUsage periodically records CPU/RSS samples for export via
// the process's own metrics, following the teacher's periodic system-stats
// sampling in internal/single/monitoring.
func sampleResourceUsage(ctx context.Context, logger zerolog.Logger, reg *metrics.Registry) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample, err := platform.SampleOnce(ctx)
			if err != nil {
				logger.Warn().Err(err).Msg("failed to sample resource usage")
				continue
			}
			reg.CPUPercent.Set(sample.CPUPercent)
			reg.RSSBytes.Set(float64(sample.RSSBytes))
		}
	}
}
