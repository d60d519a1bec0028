// tapwatch: fleet registry, telemetry aggregation and alert deduplication for
// network capture taps.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/beevik/ntp"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/vesaa/tapwatch/internal/agent"
	"github.com/vesaa/tapwatch/internal/alerts"
	"github.com/vesaa/tapwatch/internal/clock"
	"github.com/vesaa/tapwatch/internal/config"
	"github.com/vesaa/tapwatch/internal/ingest"
	"github.com/vesaa/tapwatch/internal/metrics"
	"github.com/vesaa/tapwatch/internal/server"
	"github.com/vesaa/tapwatch/internal/storage"
	"github.com/vesaa/tapwatch/internal/taps"
)

const version = "v0.3.0"

// maxClockOffset is the NTP offset above which the server warns at startup.
const maxClockOffset = time.Second

func printBanner(mode string) {
	fmt.Printf("\n  ► tapwatch %s  |  Mode: %s\n\n", version, mode)
}

func main() {
	root := &cobra.Command{
		Use:   "tapwatch",
		Short: "tapwatch: fleet registry and alerting for network capture taps",
		Long: `tapwatch keeps a live registry of capture taps, aggregates their gauge
telemetry into time-bucketed histograms and deduplicates the alerts they raise.`,
		SilenceUsage: true,
	}

	root.AddCommand(serverCommand(), tapCommand(), expireCommand(), versionCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// ── server subcommand ─────────────────────────────────────────────────────────

func serverCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Start the tapwatch server (TLS REST API, data and control plane)",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			printBanner("SERVER")

			logger := newLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			checkClockOffset(cfg.General.NTPServer, logger)
			return runServer(ctx, cfg, logger)
		},
	}
	cmd.Flags().String("config", "", "Path to the configuration file (default ./tapwatch.yaml)")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	repo, err := storage.Open(storage.Options{
		Driver: cfg.Database.Driver,
		Path:   cfg.General.DatabasePath,
		DSN:    cfg.Database.DSN,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer repo.Close()

	clk := clock.Real()

	registry := taps.NewRegistry(repo, clk, logger)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("loading tap registry: %w", err)
	}

	var notifier alerts.Notifier = alerts.NopNotifier{}
	if cfg.Alerts.NATSURL != "" {
		nn, err := alerts.NewNATSNotifier(cfg.Alerts.NATSURL, cfg.Alerts.NATSSubject, logger)
		if err != nil {
			return err
		}
		defer nn.Close()
		notifier = nn
	}

	dedup := alerts.NewDeduplicator(repo, notifier, clk, logger)
	if err := dedup.Load(ctx); err != nil {
		return fmt.Errorf("loading open alerts: %w", err)
	}
	networks := alerts.NewMonitor(repo, clk, logger)
	if err := networks.Load(ctx); err != nil {
		return fmt.Errorf("loading monitored networks: %w", err)
	}
	aggregator := metrics.NewAggregator(repo, metrics.DefaultNames(), clk, logger)

	api := server.NewAPI(server.Options{
		Registry:               registry,
		Metrics:                aggregator,
		Alerts:                 dedup,
		Networks:               networks,
		Ingest:                 ingest.NewHandler(registry, aggregator, dedup, networks, logger),
		Auth:                   server.NewAuth(cfg.Server.JWTSecret, cfg.Server.TapToken, cfg.Server.AdminUser, cfg.Server.AdminPass, clk.Now),
		Clock:                  clk,
		Logger:                 logger,
		QueryTimeout:           cfg.Query.Timeout,
		LegacyUUIDUnauthorized: cfg.Interfaces.LegacyUUIDUnauthorized,
		MaxReportBytes:         cfg.Interfaces.MaxReportBytes,
	})

	gin.SetMode(gin.ReleaseMode)
	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}

	engine := gin.New()
	engine.Use(gin.Recovery(), cors.New(corsConfig))
	api.RegisterControlRoutes(engine)
	api.RegisterDataRoutes(engine)

	cert, err := server.EnsureCertificate(cfg.General.CryptoDirectory,
		certificateHosts(cfg.Interfaces.RestListenURI, cfg.Interfaces.HTTPExternalURI), logger)
	if err != nil {
		return fmt.Errorf("loading TLS certificate: %w", err)
	}

	addr := cfg.Interfaces.ListenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		},
	}

	go dedup.RunExpiry(ctx, cfg.Alerts.SweepInterval, cfg.Alerts.ExpiryWindow)

	logger.Info("listening", "addr", addr, "external_uri", cfg.Interfaces.HTTPExternalURI,
		"taps", len(registry.ListTaps()), "open_alerts", dedup.OpenCount())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServeTLS("", "") }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ── tap subcommand ────────────────────────────────────────────────────────────

func tapCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tap",
		Short: "Report this host's status to a tapwatch server",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.LoadTap(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}

			// CLI flags override config values.
			if s, _ := cmd.Flags().GetString("server"); s != "" {
				cfg.ServerURI = s
			}
			if token, _ := cmd.Flags().GetString("token"); token != "" {
				cfg.Token = token
			}
			if name, _ := cmd.Flags().GetString("name"); name != "" {
				cfg.Name = name
			}
			if ifaces, _ := cmd.Flags().GetStringSlice("interface"); len(ifaces) > 0 {
				cfg.Interfaces = ifaces
			}
			if cmd.Flags().Changed("insecure") {
				cfg.InsecureSkipVerify, _ = cmd.Flags().GetBool("insecure")
			}
			if cmd.Flags().Changed("interval") {
				cfg.Interval, _ = cmd.Flags().GetDuration("interval")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			printBanner("TAP")
			logger := newLogger(os.Stderr, "info", "text")
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			reporter := agent.NewReporter(cfg, agent.NewCollector(cfg.Interfaces), logger)
			return reporter.Run(ctx)
		},
	}
	cmd.Flags().String("config", "", "Path to the tap configuration file (optional)")
	cmd.Flags().String("server", "", "Server URI, e.g. https://192.168.1.1:8443")
	cmd.Flags().String("token", "", "Pre-shared tap token (overrides config)")
	cmd.Flags().String("name", "", "Tap name (default hostname)")
	cmd.Flags().StringSlice("interface", nil, "Capture interface to report (repeatable)")
	cmd.Flags().Bool("insecure", false, "Accept the server's self-signed certificate")
	cmd.Flags().Duration("interval", 5*time.Second, "Report interval")
	return cmd
}

// ── expire subcommand ─────────────────────────────────────────────────────────

func expireCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire open alerts not seen within the expiry window, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			window := cfg.Alerts.ExpiryWindow
			if cmd.Flags().Changed("window") {
				window, _ = cmd.Flags().GetDuration("window")
			}
			if window <= 0 {
				return fmt.Errorf("window must be positive, got %s", window)
			}

			logger := newLogger(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
			repo, err := storage.Open(storage.Options{
				Driver: cfg.Database.Driver,
				Path:   cfg.General.DatabasePath,
				DSN:    cfg.Database.DSN,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("initializing database: %w", err)
			}
			defer repo.Close()

			ctx := cmd.Context()
			clk := clock.Real()
			dedup := alerts.NewDeduplicator(repo, alerts.NopNotifier{}, clk, logger)
			if err := dedup.Load(ctx); err != nil {
				return fmt.Errorf("loading open alerts: %w", err)
			}
			n, err := dedup.ExpireStaleAlerts(ctx, clk.Now(), window)
			if err != nil {
				return err
			}
			fmt.Printf("expired %d alert(s), %d still open\n", n, dedup.OpenCount())
			return nil
		},
	}
	cmd.Flags().String("config", "", "Path to the configuration file (default ./tapwatch.yaml)")
	cmd.Flags().Duration("window", 0, "Expiry window (default alerts.expiry_window)")
	return cmd
}

// ── version subcommand ────────────────────────────────────────────────────────

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print tapwatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tapwatch %s  |  tap reporter %s\n", version, agent.Version)
		},
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, level, format string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// checkClockOffset warns when the local clock is off. Drift and liveness are
// computed against it.
func checkClockOffset(server string, logger *slog.Logger) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: 3 * time.Second})
	if err == nil {
		err = resp.Validate()
	}
	if err != nil {
		logger.Warn("ntp query failed, clock offset unknown", "server", server, "error", err)
		return
	}
	offset := resp.ClockOffset
	if offset < -maxClockOffset || offset > maxClockOffset {
		logger.Warn("local clock is off", "server", server, "offset", offset)
		return
	}
	logger.Info("clock checked", "server", server, "offset", offset)
}

func certificateHosts(uris ...string) []string {
	seen := make(map[string]bool)
	var hosts []string
	for _, raw := range uris {
		u, err := url.Parse(raw)
		if err != nil || u.Hostname() == "" || seen[u.Hostname()] {
			continue
		}
		seen[u.Hostname()] = true
		hosts = append(hosts, u.Hostname())
	}
	return hosts
}
