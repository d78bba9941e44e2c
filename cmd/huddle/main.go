package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/nightvault/huddle/internal/broker"
	"github.com/nightvault/huddle/internal/config"
	"github.com/nightvault/huddle/internal/gateway"
	"github.com/nightvault/huddle/internal/health"
	"github.com/nightvault/huddle/internal/logging"
	"github.com/nightvault/huddle/internal/logring"
	"github.com/nightvault/huddle/internal/metrics"
	"github.com/nightvault/huddle/internal/security"
	"github.com/nightvault/huddle/internal/setup"

	"golang.org/x/time/rate"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "huddle",
		Short: "In-memory multi-room chat relay for end-to-end encrypted clients",
	}

	var configPath string
	var verbose bool

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configPath, verbose)
		},
	}
	serveCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version and build info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Huddle %s\n", Version)
			fmt.Printf("  Build time: %s\n", BuildTime)
			fmt.Printf("  Git commit: %s\n", GitCommit)
		},
	}

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config without starting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config validation failed: %w", err)
			}
			fmt.Printf("Configuration is valid.\n")
			fmt.Printf("  Listen: %s\n", cfg.Server.ListenAddress)
			fmt.Printf("  Health: %s\n", cfg.Health.ListenAddress)
			fmt.Printf("  Max connections: %d\n", cfg.Security.MaxConnections)
			if cfg.Rooms.EmptyRoomTTL > 0 {
				fmt.Printf("  Empty room TTL: %s\n", cfg.Rooms.EmptyRoomTTL)
			}
			return nil
		},
	}
	validateCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check health (exit 0 if healthy, 1 if not)",
		RunE: func(cmd *cobra.Command, args []string) error {
			url, _ := cmd.Flags().GetString("url")
			return checkHealth(url)
		},
	}
	healthCmd.Flags().String("url", "http://127.0.0.1:9191/health", "Health endpoint URL")

	systemdCmd := &cobra.Command{
		Use:   "systemd",
		Short: "Generate systemd service file",
		RunE: func(cmd *cobra.Command, args []string) error {
			printFlag, _ := cmd.Flags().GetBool("print")
			if printFlag {
				printSystemdUnit()
			}
			return nil
		},
	}
	systemdCmd.Flags().Bool("print", false, "Print systemd unit to stdout")

	setupCmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			return setup.RunWizard(os.Stdin, os.Stdout, setup.WizardOptions{ConfigPath: path})
		},
	}
	setupCmd.Flags().StringP("config", "c", "", "Where to write the config file")

	rootCmd.AddCommand(serveCmd, versionCmd, validateCmd, healthCmd, systemdCmd, setupCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(configPath string, verbose bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if verbose {
		cfg.Logging.Level = "debug"
	}

	// Ring buffer feeds the health endpoint's recent-problems view.
	ring := logring.NewRingBuffer(256)
	lj := logging.Setup(cfg.Logging, ring)
	if lj != nil {
		defer lj.Close()
	}

	slog.Info("starting Huddle relay",
		"version", Version,
		"listen", cfg.Server.ListenAddress,
		"health", cfg.Health.ListenAddress,
	)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	b := broker.New()
	b.MaxHistory = cfg.Rooms.MaxHistory
	if cfg.Rooms.EmptyRoomTTL > 0 {
		b.StartJanitor(shutdownCtx, cfg.Rooms.EmptyRoomTTL, cfg.Rooms.SweepInterval)
		slog.Info("empty room eviction enabled", "ttl", cfg.Rooms.EmptyRoomTTL)
	}

	var rl *security.RateLimiter
	if cfg.Security.RateLimit.Enabled {
		r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
		rl = security.NewRateLimiter(r, cfg.Security.RateLimit.ConnectionsPerMinute)
		defer rl.Stop()
		slog.Info("rate limiting enabled",
			"connections_per_minute", cfg.Security.RateLimit.ConnectionsPerMinute,
		)
	}

	handler := gateway.NewHandler(cfg, b, rl, shutdownCtx)

	var m *metrics.Metrics
	if cfg.Monitoring.MetricsEnabled {
		m = metrics.New()
		handler.Metrics = m
		b.Metrics = m
		slog.Info("prometheus metrics enabled", "endpoint", cfg.Monitoring.MetricsEndpoint)
	}

	relayServer := &http.Server{
		Addr:    cfg.Server.ListenAddress,
		Handler: handler,
	}

	var healthServer *http.Server
	if cfg.Health.Enabled {
		healthHandler := health.NewHandler(b, handler.Tracker, Version, cfg.Health.Detailed)
		healthHandler.SetLogRing(ring)
		healthMux := http.NewServeMux()
		healthMux.Handle(cfg.Health.Endpoint, healthHandler)

		if cfg.Monitoring.MetricsEnabled {
			healthMux.Handle(cfg.Monitoring.MetricsEndpoint, promhttp.Handler())
		}

		healthServer = &http.Server{
			Addr:    cfg.Health.ListenAddress,
			Handler: healthMux,
		}
	}

	if healthServer != nil {
		go func() {
			slog.Info("health endpoint listening", "address", cfg.Health.ListenAddress)
			if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("health server error", "error", err)
			}
		}()
	}

	go func() {
		slog.Info("relay listening", "address", cfg.Server.ListenAddress)
		var err error
		if cfg.Server.TLS.Enabled {
			err = relayServer.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = relayServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			slog.Error("relay server error", "error", err)
		}
	}()

	// Notify systemd that we're ready
	daemon.SdNotify(false, daemon.SdNotifyReady)

	// Watchdog heartbeat (send every 15s for 30s WatchdogSec)
	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
				if err != nil {
					slog.Warn("failed to notify watchdog", "error", err)
				} else if sent {
					slog.Debug("watchdog keepalive sent")
				}
			case <-watchdogCtx.Done():
				return
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for sig := range sigChan {
		switch sig {
		case syscall.SIGHUP:
			slog.Info("received SIGHUP, reloading config")
			newCfg, err := config.Load(configPath)
			if err != nil {
				slog.Error("config reload failed", "error", err)
				continue
			}

			for _, w := range config.ReloadWarnings(cfg, newCfg) {
				slog.Warn("config reload warning", "warning", w)
			}

			cfg.ApplyReloadableFields(newCfg)
			handler.UpdateConfig(cfg)

			if cfg.Security.RateLimit.Enabled && rl != nil {
				r := rate.Limit(float64(cfg.Security.RateLimit.ConnectionsPerMinute) / 60.0)
				rl.UpdateRate(r, cfg.Security.RateLimit.ConnectionsPerMinute)
			}

			logging.Setup(cfg.Logging, ring)

			slog.Info("config reloaded successfully")

		case syscall.SIGTERM, syscall.SIGINT:
			slog.Info("received shutdown signal, draining connections",
				"signal", sig.String(),
				"drain_timeout", cfg.Server.DrainTimeout.String(),
			)

			watchdogCancel()
			daemon.SdNotify(false, daemon.SdNotifyStopping)

			handler.StartDrain()

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.DrainTimeout)
			defer cancel()

			var wg sync.WaitGroup
			if healthServer != nil {
				wg.Add(1)
				go func() {
					defer wg.Done()
					healthServer.Shutdown(ctx)
				}()
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				relayServer.Shutdown(ctx)
			}()
			wg.Wait()

			shutdownCancel()
			slog.Info("shutdown complete")
			return nil
		}
	}

	return nil
}

func checkHealth(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		fmt.Println("healthy")
		return nil
	}
	fmt.Fprintf(os.Stderr, "unhealthy (status: %d)\n", resp.StatusCode)
	os.Exit(1)
	return nil
}

func printSystemdUnit() {
	fmt.Print(`[Unit]
Description=Huddle Chat Relay
After=network-online.target
Wants=network-online.target

[Service]
Type=notify
User=huddle
Group=huddle
ExecStartPre=/usr/local/bin/huddle validate --config /etc/huddle/config.yaml
ExecStart=/usr/local/bin/huddle serve --config /etc/huddle/config.yaml
ExecReload=/bin/kill -HUP $MAINPID
Restart=on-failure
RestartSec=5s
WatchdogSec=30s

# Security hardening
ProtectSystem=strict
ProtectHome=true
NoNewPrivileges=true
PrivateTmp=true
ReadOnlyPaths=/etc/huddle
LogsDirectory=huddle
LimitNOFILE=65535

# All room and history state is in memory; a restart wipes it, which the
# sync protocol recovers from on the next client join.
MemoryMax=256M

# Logging
StandardOutput=journal
StandardError=journal
SyslogIdentifier=huddle

[Install]
WantedBy=multi-user.target
`)
}
