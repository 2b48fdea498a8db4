// Package config loads the relay's configuration from environment variables
// with command-line flag overrides.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/TimurNurlygayanov/litecall/internal/origin"
)

const (
	EnvListenAddr      = "LITECALL_LISTEN_ADDR"
	EnvMode            = "LITECALL_MODE"
	EnvLogFormat       = "LITECALL_LOG_FORMAT"
	EnvLogLevel        = "LITECALL_LOG_LEVEL"
	EnvShutdownTimeout = "LITECALL_SHUTDOWN_TIMEOUT"
	EnvStaticDir       = "LITECALL_STATIC_DIR"
	EnvStatsFile       = "LITECALL_STATS_FILE"
	EnvAllowedOrigins  = "ALLOWED_ORIGINS"
	EnvSTUNURLs        = "LITECALL_STUN_URLS"

	// Signaling channel hardening.
	EnvMaxSignalMessageBytes      = "MAX_SIGNAL_MESSAGE_BYTES"
	EnvMaxSignalMessagesPerSecond = "MAX_SIGNAL_MESSAGES_PER_SECOND"

	// Room signal caching.
	EnvCandidateCacheSize  = "CANDIDATE_CACHE_SIZE"
	EnvCandidateFlushDelay = "CANDIDATE_FLUSH_DELAY"

	// WebSocket keepalive.
	EnvWSPingInterval = "WS_PING_INTERVAL"
	EnvWSIdleTimeout  = "WS_IDLE_TIMEOUT"

	DefaultListenAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultStatsFile       = "stats.json"
	DefaultSTUNURL         = "stun:stun.l.google.com:19302"

	// DefaultMaxSignalMessageBytes is the frame size above which a signaling
	// connection is closed with 1009. SDP offers for two media tracks sit
	// well below this.
	DefaultMaxSignalMessageBytes      = 10_000
	DefaultMaxSignalMessagesPerSecond = 50

	DefaultCandidateCacheSize = 20
	// DefaultCandidateFlushDelay is how long cached candidates are held back
	// after the cached offer is sent to a late joiner, giving the receiving
	// peer connection time to apply the remote description first.
	DefaultCandidateFlushDelay = 100 * time.Millisecond

	DefaultWSIdleTimeout  = 60 * time.Second
	DefaultWSPingInterval = 54 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr string
	Mode       Mode

	LogFormat LogFormat
	LogLevel  slog.Level

	ShutdownTimeout time.Duration

	// StaticDir is the directory the browser UI is served from; empty
	// disables static serving (signaling-only deployments).
	StaticDir string

	// StatsFile is where the all-time call counter is persisted; empty keeps
	// it in memory only.
	StatsFile string

	// AllowedOrigins overrides the default same-host Origin policy for the
	// WebSocket upgrade. Entries are normalized origins or "*".
	AllowedOrigins []string

	// STUNURLs are handed to browsers via /webrtc/ice and used by the Go
	// client's peer connections.
	STUNURLs []string

	MaxSignalMessageBytes      int64
	MaxSignalMessagesPerSecond int

	CandidateCacheSize  int
	CandidateFlushDelay time.Duration

	WSPingInterval time.Duration
	WSIdleTimeout  time.Duration
}

// ICEServers returns the configured STUN servers in pion form.
func (c Config) ICEServers() []webrtc.ICEServer {
	if len(c.STUNURLs) == 0 {
		return nil
	}
	return []webrtc.ICEServer{{URLs: c.STUNURLs}}
}

// Load reads configuration from the process environment and args.
func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load is the injectable core of Load; tests pass their own lookup so they
// never touch the process environment.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeStr := envOrDefault(lookup, EnvMode, string(ModeDev))

	fs := flag.NewFlagSet("litecall", flag.ContinueOnError)
	listenAddr := envOrDefault(lookup, EnvListenAddr, DefaultListenAddr)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP address to listen on")
	fs.StringVar(&modeStr, "mode", modeStr, "Runtime mode: dev or prod")
	staticDir := envOrDefault(lookup, EnvStaticDir, "")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory to serve the browser UI from (empty disables)")
	statsFile := envOrDefault(lookup, EnvStatsFile, DefaultStatsFile)
	fs.StringVar(&statsFile, "stats-file", statsFile, "Path of the persistent call counter (empty keeps it in memory)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	logFormat, err := parseLogFormat(envOrDefault(lookup, EnvLogFormat, defaultLogFormatForMode(mode)))
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(envOrDefault(lookup, EnvLogLevel, defaultLogLevelForMode(mode)))
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, EnvShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, EnvAllowedOrigins, ""))
	if err != nil {
		return Config{}, err
	}

	stunURLs, err := parseSTUNURLs(envOrDefault(lookup, EnvSTUNURLs, DefaultSTUNURL))
	if err != nil {
		return Config{}, err
	}

	maxMsgBytes, err := envIntOrDefault(lookup, EnvMaxSignalMessageBytes, DefaultMaxSignalMessageBytes)
	if err != nil {
		return Config{}, err
	}
	if maxMsgBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", EnvMaxSignalMessageBytes, maxMsgBytes)
	}

	maxMsgRate, err := envIntOrDefault(lookup, EnvMaxSignalMessagesPerSecond, DefaultMaxSignalMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	if maxMsgRate <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", EnvMaxSignalMessagesPerSecond, maxMsgRate)
	}

	candidateCacheSize, err := envIntOrDefault(lookup, EnvCandidateCacheSize, DefaultCandidateCacheSize)
	if err != nil {
		return Config{}, err
	}
	if candidateCacheSize <= 0 {
		return Config{}, fmt.Errorf("%s must be positive, got %d", EnvCandidateCacheSize, candidateCacheSize)
	}

	candidateFlushDelay, err := envDurationOrDefault(lookup, EnvCandidateFlushDelay, DefaultCandidateFlushDelay)
	if err != nil {
		return Config{}, err
	}
	if candidateFlushDelay < 0 {
		return Config{}, fmt.Errorf("%s must not be negative, got %v", EnvCandidateFlushDelay, candidateFlushDelay)
	}

	pingInterval, err := envDurationOrDefault(lookup, EnvWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	idleTimeout, err := envDurationOrDefault(lookup, EnvWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	if pingInterval <= 0 || idleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s and %s must be positive", EnvWSPingInterval, EnvWSIdleTimeout)
	}
	if pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("%s (%v) must be shorter than %s (%v)", EnvWSPingInterval, pingInterval, EnvWSIdleTimeout, idleTimeout)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		StaticDir:       staticDir,
		StatsFile:       statsFile,
		AllowedOrigins:  allowedOrigins,
		STUNURLs:        stunURLs,

		MaxSignalMessageBytes:      int64(maxMsgBytes),
		MaxSignalMessagesPerSecond: maxMsgRate,

		CandidateCacheSize:  candidateCacheSize,
		CandidateFlushDelay: candidateFlushDelay,

		WSPingInterval: pingInterval,
		WSIdleTimeout:  idleTimeout,
	}, nil
}

// NewLogger builds the process logger from config.
func NewLogger(cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}

	var handler slog.Handler
	if cfg.LogFormat == LogFormatText {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	v, ok := lookup(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return d, nil
}

func defaultLogFormatForMode(mode Mode) string {
	if mode == ModeProd {
		return string(LogFormatJSON)
	}
	return string(LogFormatText)
}

func defaultLogLevelForMode(mode Mode) string {
	if mode == ModeProd {
		return "info"
	}
	return "debug"
}

func parseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeDev:
		return ModeDev, nil
	case ModeProd:
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch LogFormat(strings.ToLower(strings.TrimSpace(raw))) {
	case LogFormatText:
		return LogFormatText, nil
	case LogFormatJSON:
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if part == "*" {
			out = append(out, part)
			continue
		}
		normalized, ok := origin.Normalize(part)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", EnvAllowedOrigins, part)
		}
		out = append(out, normalized)
	}
	return out, nil
}

func parseSTUNURLs(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !strings.HasPrefix(part, "stun:") && !strings.HasPrefix(part, "stuns:") {
			return nil, fmt.Errorf("invalid %s entry %q (expected stun: or stuns: URL)", EnvSTUNURLs, part)
		}
		out = append(out, part)
	}
	return out, nil
}
