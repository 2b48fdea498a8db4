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
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/TimurNurlygayanov/litecall/internal/config"
	"github.com/TimurNurlygayanov/litecall/internal/httpserver"
	"github.com/TimurNurlygayanov/litecall/internal/metrics"
	"github.com/TimurNurlygayanov/litecall/internal/room"
	"github.com/TimurNurlygayanov/litecall/internal/signaling"
	"github.com/TimurNurlygayanov/litecall/internal/stats"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := config.NewLogger(cfg)
	slog.SetDefault(logger)

	logger.Info("starting litecall",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"static_dir", cfg.StaticDir,
		"stats_file", cfg.StatsFile,
		"max_signal_message_bytes", cfg.MaxSignalMessageBytes,
		"max_signal_messages_per_second", cfg.MaxSignalMessagesPerSecond,
		"candidate_cache_size", cfg.CandidateCacheSize,
		"candidate_flush_delay", cfg.CandidateFlushDelay,
		"allowed_origins", cfg.AllowedOrigins,
	)

	counter, err := stats.Open(cfg.StatsFile)
	if err != nil {
		logger.Error("failed to open stats file", "err", err)
		os.Exit(2)
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	m := metrics.New()
	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	sig := signaling.NewServer(signaling.Config{
		Registry:             room.NewRegistry(cfg.CandidateCacheSize),
		Metrics:              m,
		Stats:                counter,
		Logger:               logger,
		AllowedOrigins:       cfg.AllowedOrigins,
		MaxMessageBytes:      cfg.MaxSignalMessageBytes,
		MaxMessagesPerSecond: cfg.MaxSignalMessagesPerSecond,
		CandidateFlushDelay:  cfg.CandidateFlushDelay,
		PingInterval:         cfg.WSPingInterval,
		IdleTimeout:          cfg.WSIdleTimeout,
	})

	srv.Mux().Handle("GET /ws", sig)
	srv.Mux().Handle("GET /stats", counter.Handler())

	// Expose internal counters in Prometheus' text format.
	srv.Mux().Handle("GET /metrics", metrics.PrometheusHandler(m))

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	sig.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
