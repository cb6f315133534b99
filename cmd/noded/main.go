// noded -- overlay network node service daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/overmesh/noded/internal/config"
	"github.com/overmesh/noded/internal/events"
	nodemetrics "github.com/overmesh/noded/internal/metrics"
	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/service"
	appversion "github.com/overmesh/noded/internal/version"
	"github.com/overmesh/noded/internal/vtap"
)

// shutdownTimeout is the maximum time to wait for the metrics server to
// drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string

	root := &cobra.Command{
		Use:           "noded",
		Short:         "Overlay network node service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(_ *cobra.Command, _ []string) error {
			return runDaemon(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to configuration file (YAML)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("noded"))
		},
	})

	if err := root.Execute(); err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("noded exited with error",
			slog.String("error", err.Error()),
		)
		return 1
	}
	return 0
}

// runDaemon loads configuration and runs the supervised service with its
// metrics endpoint until a termination signal arrives.
func runDaemon(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("noded starting",
		slog.String("version", appversion.Version),
		slog.String("home", cfg.Home),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	reg := prometheus.NewRegistry()
	collector := nodemetrics.NewCollector(reg)

	sink := events.NewSink(logger)

	opts, err := serviceOptions(cfg, sink, collector, logger)
	if err != nil {
		return fmt.Errorf("build service options: %w", err)
	}

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	// Event consumer: in an embedding, the language binding drains this
	// queue; the daemon logs it.
	g.Go(func() error {
		consumeEvents(sink, logger)
		return nil
	})

	if cfg.Metrics.Addr != "" {
		metricsSrv := newMetricsServer(cfg.Metrics, reg)
		g.Go(func() error {
			logger.Info("metrics server listening",
				slog.String("addr", cfg.Metrics.Addr),
				slog.String("path", cfg.Metrics.Path),
			)
			return listenAndServe(gCtx, metricsSrv, cfg.Metrics.Addr)
		})
		g.Go(func() error {
			<-gCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gCtx), shutdownTimeout)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		return runWatchdog(gCtx, logger)
	})

	startSIGHUPHandler(gCtx, g, configPath, logLevel, logger)

	// Service supervisor: runs the node service, rotating the identity
	// and restarting on collision.
	g.Go(func() error {
		defer sink.Close()
		reason := service.RunSupervised(gCtx, opts)
		if reason == service.UnrecoverableError {
			return fmt.Errorf("service terminated: %s", reason)
		}
		stop()
		return nil
	})

	notifyReady(logger)

	if err := g.Wait(); err != nil {
		logger.Error("noded exited with error", slog.String("error", err.Error()))
		return err
	}

	notifyStopping(logger)
	logger.Info("noded stopped")
	return nil
}

// serviceOptions converts the daemon configuration into service Options.
func serviceOptions(
	cfg *config.Config,
	sink *events.Sink,
	collector *nodemetrics.Collector,
	logger *slog.Logger,
) (service.Options, error) {
	networks := make([]uint64, 0, len(cfg.Networks))
	for _, nw := range cfg.Networks {
		nwid, err := config.ParseNetworkID(nw)
		if err != nil {
			return service.Options{}, err
		}
		networks = append(networks, nwid)
	}

	local, err := localConfig(cfg)
	if err != nil {
		return service.Options{}, err
	}

	return service.Options{
		Home:                cfg.Home,
		PrimaryPort:         cfg.Ports.Primary,
		SecondaryPort:       cfg.Ports.Secondary,
		TertiaryPort:        cfg.Ports.Tertiary,
		PortMappingEnabled:  cfg.Ports.Mapping,
		MultipathMode:       cfg.Net.MultipathMode,
		AllowNetworkCaching: cfg.Caching.Networks,
		AllowPeerCaching:    cfg.Caching.Peers,
		AllowLocalConf:      cfg.Caching.LocalConf,
		LocalConfig:         local,
		Networks:            networks,
		Engine:              overlay.NewDevFactory(),
		TapFactory:          memTapFactory(),
		Sink:                sink,
		Metrics:             collector,
		Logger:              logger,
	}, nil
}

// localConfig parses the peer hint/blacklist and bind settings.
func localConfig(cfg *config.Config) (service.LocalConfig, error) {
	lc := service.LocalConfig{
		V4Hints:                  make(map[uint64][]netip.AddrPort),
		V6Hints:                  make(map[uint64][]netip.AddrPort),
		V4Blacklists:             make(map[uint64][]netip.Prefix),
		V6Blacklists:             make(map[uint64][]netip.Prefix),
		InterfacePrefixBlacklist: cfg.Net.InterfacePrefixBlacklist,
	}

	var err error
	if lc.GlobalV4Blacklist, err = config.ParsePrefixes(cfg.Net.V4Blacklist); err != nil {
		return lc, err
	}
	if lc.GlobalV6Blacklist, err = config.ParsePrefixes(cfg.Net.V6Blacklist); err != nil {
		return lc, err
	}
	if lc.ExplicitBind, err = config.ParseAddrs(cfg.Net.ExplicitBind); err != nil {
		return lc, err
	}
	if lc.AllowManagementFrom, err = config.ParsePrefixes(cfg.Net.AllowManagementFrom); err != nil {
		return lc, err
	}

	for _, pc := range cfg.Peers {
		peer, err := config.ParsePeerAddress(pc.Address)
		if err != nil {
			return lc, err
		}
		hints, err := config.ParseAddrPorts(pc.Hints)
		if err != nil {
			return lc, err
		}
		for _, h := range hints {
			if h.Addr().Unmap().Is4() {
				lc.V4Hints[peer] = append(lc.V4Hints[peer], h)
			} else {
				lc.V6Hints[peer] = append(lc.V6Hints[peer], h)
			}
		}
		bl, err := config.ParsePrefixes(pc.Blacklist)
		if err != nil {
			return lc, err
		}
		for _, p := range bl {
			if p.Addr().Unmap().Is4() {
				lc.V4Blacklists[peer] = append(lc.V4Blacklists[peer], p)
			} else {
				lc.V6Blacklists[peer] = append(lc.V6Blacklists[peer], p)
			}
		}
	}

	return lc, nil
}

// memTapFactory creates in-memory taps bridging to the userspace stack.
// Embedders link a platform tap implementation instead.
func memTapFactory() vtap.Factory {
	return func(cfg vtap.Config, handler vtap.FrameHandler) (vtap.Tap, error) {
		return vtap.NewMemTap(cfg, handler), nil
	}
}

// consumeEvents drains the sink, logging each event at info level.
// Returns when the sink is closed.
func consumeEvents(sink *events.Sink, logger *slog.Logger) {
	for ev := range sink.Events() {
		logger.Info("event", slog.String("code", ev.Code.String()))
	}
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

// notifyReady sends READY=1 to systemd, indicating the daemon has
// completed initialization.
func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

// notifyStopping sends STOPPING=1 to systemd.
func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping",
			slog.String("error", err.Error()),
		)
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. Exits immediately when no watchdog is configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive",
					slog.String("error", wdErr.Error()),
				)
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload — log level
// -------------------------------------------------------------------------

// startSIGHUPHandler registers the SIGHUP goroutine. On reload the log
// level is updated dynamically via the shared LevelVar; other settings
// require a restart.
func startSIGHUPHandler(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	logger *slog.Logger,
) {
	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)

	g.Go(func() error {
		defer signal.Stop(sigHUP)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-sigHUP:
				logger.Info("received SIGHUP, reloading configuration")
				newCfg, err := loadConfig(configPath)
				if err != nil {
					logger.Error("failed to reload configuration, keeping current settings",
						slog.String("error", err.Error()),
					)
					continue
				}
				oldLevel := logLevel.Level()
				newLevel := config.ParseLogLevel(newCfg.Log.Level)
				logLevel.Set(newLevel)
				logger.Info("configuration reloaded",
					slog.String("old_log_level", oldLevel.String()),
					slog.String("new_log_level", newLevel.String()),
				)
			}
		}
	})
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

// listenAndServe creates a TCP listener and serves HTTP requests until
// the server is shut down.
func listenAndServe(ctx context.Context, srv *http.Server, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

// newMetricsServer creates an HTTP server for the Prometheus metrics
// endpoint.
func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

// newLoggerWithLevel creates a structured logger using a shared LevelVar
// for dynamic log level changes via SIGHUP reload.
func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
