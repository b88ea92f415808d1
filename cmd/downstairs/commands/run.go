package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marmos91/downstairs/internal/logger"
	"github.com/marmos91/downstairs/internal/telemetry"
	"github.com/marmos91/downstairs/pkg/config"
	"github.com/marmos91/downstairs/pkg/metrics"
	"github.com/marmos91/downstairs/pkg/region"
	"github.com/marmos91/downstairs/pkg/repair"
	"github.com/marmos91/downstairs/pkg/server"
	"github.com/marmos91/downstairs/pkg/work"
)

var (
	runData         string
	runAddress      string
	runPort         int
	runMode         string
	runLossy        bool
	runReturnErrors bool
	runRepair       bool
	runRepairAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve a region to upstairs clients",
	Long: `Open a region and serve it over TCP until interrupted.

Every connection negotiates the protocol version and region geometry, then
submits reads, writes, flushes and live-repair operations. With repair
enabled the repair API is served as well, so peer downstairs can copy
extents from this region.

Examples:
  # Serve the configured region on 0.0.0.0:9000
  downstairs run

  # Serve a region read-only on a specific port
  downstairs run -d ./region --port 9001 --mode ro

  # Serve with the repair API on its default address
  downstairs run -d ./region --repair`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runData, "data", "d", "", "region directory (default: region.path)")
	runCmd.Flags().StringVarP(&runAddress, "address", "a", "", "IP address to bind (default: server.address)")
	runCmd.Flags().IntVarP(&runPort, "port", "p", -1, "TCP port (default: server.port)")
	runCmd.Flags().StringVar(&runMode, "mode", "", "rw or ro (default: region.mode)")
	runCmd.Flags().BoolVar(&runLossy, "lossy", false, "randomly delay and skip jobs (testing only)")
	runCmd.Flags().BoolVar(&runReturnErrors, "return-errors", false, "fail a share of reads and writes (testing only)")
	runCmd.Flags().BoolVar(&runRepair, "repair", false, "serve the repair API")
	runCmd.Flags().StringVar(&runRepairAddr, "repair-address", "", "repair API address (default: repair.bind_addr)")
}

// applyRunFlags layers the command line over the loaded configuration.
func applyRunFlags(cfg *config.Config) error {
	if runData != "" {
		cfg.Region.Path = runData
	}
	if runAddress != "" {
		cfg.Server.Address = runAddress
	}
	if runPort >= 0 {
		cfg.Server.Port = runPort
	}
	if runMode != "" {
		if runMode != "rw" && runMode != "ro" {
			return fmt.Errorf("invalid --mode %q: want rw or ro", runMode)
		}
		cfg.Region.Mode = runMode
	}
	if runLossy {
		cfg.Dispatcher.Lossy = true
	}
	if runReturnErrors {
		cfg.Dispatcher.ReturnErrors = true
		if cfg.Dispatcher.ErrorRate == 0 {
			cfg.Dispatcher.ErrorRate = 0.1
		}
	}
	if runRepair {
		cfg.Repair.Enabled = true
	}
	if runRepairAddr != "" {
		cfg.Repair.BindAddr = runRepairAddr
	}
	return nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyRunFlags(cfg); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	telemetryShutdown, err := telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "downstairs",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(context.Background()); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err)
		}
	}()

	r, err := region.Open(ctx, cfg.Region.Path, region.Options{
		ReadOnly: cfg.Region.ReadOnly(),
		Verify:   cfg.Region.Verify,
		DirectIO: cfg.Region.DirectIO,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Close(); err != nil {
			logger.Error("region close error", logger.KeyError, err)
		}
	}()
	def := r.Def()

	profilingShutdown, err := telemetry.InitProfiling(telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "downstairs",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}, map[string]string{"region_uuid": def.UUID.String()})
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err)
		}
	}()

	logger.Info("configuration loaded", logger.KeySource, configSource(), "level", cfg.Logging.Level)
	logger.Info("region opened",
		logger.KeyPath, r.Dir(),
		logger.KeyRegionUUID, def.UUID.String(),
		"block_size", def.BlockSize,
		"extent_size", def.ExtentSize,
		"extent_count", def.ExtentCount,
		logger.KeyReadOnly, r.ReadOnly())
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", logger.KeyAddress, cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}
	if cfg.Dispatcher.Lossy || cfg.Dispatcher.ReturnErrors {
		logger.Warn("fault injection enabled",
			"lossy", cfg.Dispatcher.Lossy,
			"return_errors", cfg.Dispatcher.ReturnErrors,
			"error_rate", cfg.Dispatcher.ErrorRate)
	}

	var (
		m   *metrics.Metrics
		reg = metrics.NewRegistry()
	)
	if cfg.Metrics.Enabled {
		m = metrics.NewMetrics(reg)
	}

	repairer := repair.NewRepairer(r, repair.Options{
		MaxRetries: cfg.Repair.MaxRetries,
		Observer:   m,
	})

	srv := server.New(r, server.Config{
		BindAddress:     cfg.Server.Address,
		Port:            cfg.Server.Port,
		MaxConnections:  cfg.Server.MaxConnections,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.ShutdownTimeout,
		RepairTimeout:   cfg.Repair.RequestTimeout,
	}, work.Options{
		Workers:      cfg.Dispatcher.Workers,
		Repairer:     repair.Retrying{Repairer: repairer},
		Lossy:        cfg.Dispatcher.Lossy,
		ReturnErrors: cfg.Dispatcher.ReturnErrors,
		ErrorRate:    cfg.Dispatcher.ErrorRate,
		Observer:     m,
	}, m)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return srv.Serve(gctx)
	})

	if cfg.Repair.Enabled {
		repairSrv := repair.NewServer(r, repair.ServerConfig{
			BindAddr:       cfg.Repair.BindAddr,
			RequestTimeout: cfg.Repair.RequestTimeout,
		})
		g.Go(func() error {
			return repairSrv.Start(gctx)
		})
	}

	if cfg.Metrics.Enabled {
		metricsSrv := &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(cfg.Metrics.Port)),
			Handler:           metrics.Handler(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", logger.KeyAddress, metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	if path := configSource(); path != "defaults" {
		g.Go(func() error {
			err := config.Watch(gctx, path, func(c *config.Config) {
				logger.SetLevel(c.Logging.Level)
				logger.Info("log level reloaded", "level", c.Logging.Level)
			})
			if err != nil {
				logger.Warn("config watch stopped", logger.KeyError, err)
			}
			return nil
		})
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger.Info("downstairs is running. Press Ctrl+C to stop.")

	go func() {
		select {
		case <-sigChan:
			logger.Info("shutdown signal received, initiating graceful shutdown")
			cancel()
		case <-gctx.Done():
		}
	}()

	if err := g.Wait(); err != nil {
		logger.Error("server error", logger.KeyError, err)
		return err
	}
	logger.Info("downstairs stopped")
	return nil
}
