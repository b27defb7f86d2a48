// GoBFD daemon -- BFD protocol implementation (RFC 5880/5881).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/dantte-lp/gobfd/internal/addr"
	"github.com/dantte-lp/gobfd/internal/bfd"
	"github.com/dantte-lp/gobfd/internal/config"
	"github.com/dantte-lp/gobfd/internal/control"
	"github.com/dantte-lp/gobfd/internal/listener"
	bfdmetrics "github.com/dantte-lp/gobfd/internal/metrics"
	"github.com/dantte-lp/gobfd/internal/scheduler"
	appversion "github.com/dantte-lp/gobfd/internal/version"
)

// shutdownTimeout is the maximum time to wait for the metrics HTTP
// server to drain active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// transitionHookEnv names the environment variable holding the path to
// an external executable invoked on every session state transition,
// matching OpenBFDD's bfdd-beacon contract.
const transitionHookEnv = "OPENBFDD_TRANSITION_HOOK"

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("gobfd starting",
		slog.String("version", appversion.Version),
		slog.String("control_primary_addr", cfg.Control.PrimaryAddr),
		slog.String("control_alternate_addr", cfg.Control.AlternateAddr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := bfdmetrics.NewCollector(reg)

	if err := runDaemon(cfg, collector, reg, logger, fr); err != nil {
		logger.Error("gobfd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("gobfd stopped")
	return 0
}

// runDaemon builds the engine thread (scheduler + listener), the
// control-channel servers, and the metrics HTTP server, then runs all
// of them until a signal or "stop" control command requests shutdown.
func runDaemon(
	cfg *config.Config,
	collector *bfdmetrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched, err := scheduler.New(logger)
	if err != nil {
		return fmt.Errorf("construct scheduler: %w", err)
	}

	l, err := listener.New(listener.Config{
		Sched:                sched,
		Logger:               logger,
		DefaultDesiredMinTx:  uint32(cfg.BFD.DefaultDesiredMinTx.Microseconds()),
		DefaultRequiredMinRx: uint32(cfg.BFD.DefaultRequiredMinRx.Microseconds()),
		DefaultDetectMult:    detectMultUint8(cfg.BFD.DefaultDetectMultiplier),
		TransitionHook:       newTransitionHook(logger),
		OnStateChange:        newMetricsStateCallback(collector),
	})
	if err != nil {
		return fmt.Errorf("construct listener: %w", err)
	}

	if err := bindListenAddrs(ctx, l, cfg, logger); err != nil {
		return fmt.Errorf("bind BFD listen addresses: %w", err)
	}

	for _, ip := range cfg.AllowedPassiveIPs {
		parsed, parseErr := addr.ParseIP(ip)
		if parseErr != nil {
			logger.Warn("skip malformed allowed_passive_ips entry", slog.String("ip", ip))
			continue
		}
		l.AllowPassiveIP(parsed)
	}

	g, gCtx := errgroup.WithContext(ctx)

	// The engine thread: runs until shutdownRequested is set, either by
	// a signal or by the "stop" control command.
	var shutdownRequested bool
	requestShutdown := func() {
		shutdownRequested = true
		l.Shutdown()
		stop()
	}
	g.Go(func() error {
		sched.Run(func() bool { return shutdownRequested || gCtx.Err() != nil })
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		l.Shutdown()
		return nil
	})

	dispatcher := control.NewDispatcher(l, requestShutdown)
	ctrlPrimary := control.NewServer(logger, dispatcher.Handle)
	ctrlAlternate := control.NewServer(logger, dispatcher.Handle)

	g.Go(func() error {
		logger.Info("control channel listening", slog.String("addr", cfg.Control.PrimaryAddr))
		return ctrlPrimary.ListenAndServe(gCtx, cfg.Control.PrimaryAddr)
	})
	if cfg.Control.AlternateAddr != "" {
		g.Go(func() error {
			logger.Info("control channel listening", slog.String("addr", cfg.Control.AlternateAddr))
			return ctrlAlternate.ListenAndServe(gCtx, cfg.Control.AlternateAddr)
		})
	}

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServeHTTP(gCtx, metricsSrv, cfg.Metrics.Addr)
	})

	g.Go(func() error { return runWatchdog(gCtx, logger) })

	if err := seedDeclarativeSessions(l, cfg, logger); err != nil {
		logger.Error("failed to seed declarative sessions", slog.String("error", err.Error()))
	}

	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, logger, fr, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run daemon: %w", err)
	}
	return nil
}

// bindListenAddrs binds one receive listener per unique (local address,
// interface) pair named by a declarative session. No wildcard listener
// is bound: when no session names a local address, no BFD receive
// socket is opened.
func bindListenAddrs(ctx context.Context, l *listener.Listener, cfg *config.Config, logger *slog.Logger) error {
	seen := make(map[string]struct{})
	for _, sc := range cfg.Sessions {
		localAddr, err := sc.LocalAddr()
		if err != nil || !localAddr.IsValid() {
			continue
		}
		key := localAddr.String() + "|" + sc.Interface
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if err := l.Listen(ctx, localAddr, sc.Interface); err != nil {
			return fmt.Errorf("listen on %s: %w", localAddr, err)
		}
		logger.Info("BFD listener started",
			slog.String("addr", localAddr.String()),
			slog.String("interface", sc.Interface),
		)
	}
	return nil
}

// seedDeclarativeSessions creates an active session for each
// declarative session entry in the configuration.
func seedDeclarativeSessions(l *listener.Listener, cfg *config.Config, logger *slog.Logger) error {
	var firstErr error
	for _, sc := range cfg.Sessions {
		peer, err := sc.PeerAddr()
		if err != nil {
			logger.Error("invalid session peer, skipping", slog.String("peer", sc.Peer), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		local, err := sc.LocalAddr()
		if err != nil {
			logger.Error("invalid session local address, skipping", slog.String("local", sc.Local), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if _, err := l.CreateActiveSession(addr.FromNetipAddr(peer), addr.FromNetipAddr(local)); err != nil {
			logger.Error("failed to create declarative session",
				slog.String("peer", sc.Peer), slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// newTransitionHook spawns the executable named by OPENBFDD_TRANSITION_HOOK,
// if set, for every session state transition.
func newTransitionHook(logger *slog.Logger) bfd.TransitionHook {
	path := os.Getenv(transitionHookEnv)
	if path == "" {
		return nil
	}
	return func(local, remote addr.IP, oldState, newState bfd.State) {
		cmd := exec.Command(path, local.String(), remote.String(), oldState.String(), newState.String())
		if err := cmd.Start(); err != nil {
			logger.Warn("transition hook failed to start",
				slog.String("path", path), slog.String("error", err.Error()),
			)
			return
		}
		go func() {
			if err := cmd.Wait(); err != nil {
				logger.Warn("transition hook exited with error",
					slog.String("path", path), slog.String("error", err.Error()),
				)
			}
		}()
	}
}

// newMetricsStateCallback records every session state transition against
// the Prometheus collector.
func newMetricsStateCallback(collector *bfdmetrics.Collector) bfd.StateCallback {
	return func(ch bfd.StateChange) {
		collector.RecordStateTransition(ch.Remote.NetipAddr(), ch.Local.NetipAddr(), ch.OldState.String(), ch.NewState.String())
	}
}

func detectMultUint8(v uint32) uint8 {
	if v == 0 {
		return 3
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// -------------------------------------------------------------------------
// Systemd Integration — sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd, at half
// the configured WatchdogSec, as recommended by the systemd docs.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
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
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

// gracefulShutdown notifies systemd, stops the flight recorder, and
// drains the metrics HTTP server. Sessions are not drained: "stop"
// sends no AdminDown packets, the engine loop returns once
// shutdownRequested is observed, and "session kill" destroys a session
// by stopping its timers and closing its send socket.
func gracefulShutdown(ctx context.Context, logger *slog.Logger, fr *trace.FlightRecorder, metricsSrv *http.Server) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// -------------------------------------------------------------------------
// Flight Recorder — Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// HTTP Server Setup
// -------------------------------------------------------------------------

func listenAndServeHTTP(ctx context.Context, srv *http.Server, addr string) error {
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
