package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarSignalingURL = "PIGEON_CALL_SIGNALING_URL"
	envVarUserID       = "PIGEON_CALL_USER_ID"
	envVarMode         = "PIGEON_CALL_MODE"
	envVarLogFormat    = "PIGEON_CALL_LOG_FORMAT"
	envVarLogLevel     = "PIGEON_CALL_LOG_LEVEL"

	// Signaling transport knobs.
	envVarTransportWaitTimeout  = "PIGEON_CALL_TRANSPORT_WAIT_TIMEOUT"
	envVarTransportWriteTimeout = "PIGEON_CALL_TRANSPORT_WRITE_TIMEOUT"
	envVarTransportPingInterval = "PIGEON_CALL_TRANSPORT_PING_INTERVAL"
	envVarMaxSignalMessageBytes = "PIGEON_CALL_MAX_SIGNAL_MESSAGE_BYTES"

	// Negotiator knobs.
	envVarCandidateQueueSize = "PIGEON_CALL_CANDIDATE_QUEUE_SIZE"
	envVarCandidateRedrain   = "PIGEON_CALL_CANDIDATE_REDRAIN_DELAY"
	envVarICEDisconnectedTO  = "PIGEON_CALL_ICE_DISCONNECTED_TIMEOUT"
	envVarICEFailedTO        = "PIGEON_CALL_ICE_FAILED_TIMEOUT"
	envVarICEKeepalive       = "PIGEON_CALL_ICE_KEEPALIVE_INTERVAL"
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

// Config carries everything the call engine and its CLI harness need at
// startup. Values come from PIGEON_CALL_* environment variables, overridable
// by flags.
type Config struct {
	// SignalingURL is the ws:// or wss:// endpoint of the signaling relay.
	SignalingURL string
	// UserID identifies this client to the relay. The relay is assumed to have
	// authenticated the connection already; the engine never verifies peers.
	UserID string

	Mode      Mode
	LogFormat LogFormat
	LogLevel  slog.Level

	// ICEServers is the STUN/TURN list handed to every PeerConnection.
	ICEServers []webrtc.ICEServer

	// TransportWaitTimeout bounds how long an outbound signal waits for the
	// transport to (re)connect before failing with a transport error.
	TransportWaitTimeout  time.Duration
	TransportWriteTimeout time.Duration
	TransportPingInterval time.Duration
	// MaxSignalMessageBytes caps inbound signaling message size.
	MaxSignalMessageBytes int64

	// CandidateQueueSize bounds each of the two per-call ICE candidate queues.
	CandidateQueueSize int
	// CandidateRedrainDelay is how long after the first inbound-queue drain the
	// defensive second drain pass runs.
	CandidateRedrainDelay time.Duration

	// ICE timeouts for the pion SettingEngine. Generous values so a brief relay
	// or NAT hiccup does not immediately terminate an active call.
	ICEDisconnectedTimeout time.Duration
	ICEFailedTimeout       time.Duration
	ICEKeepaliveInterval   time.Duration
}

// Load parses configuration from the environment and args.
func Load(args []string) (Config, error) {
	return loadWith(os.LookupEnv, args)
}

func loadWith(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := envOrDefault(lookup, envVarMode, string(ModeDev))

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(modeDefault))
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(modeDefault))

	signalingURL := envOrDefault(lookup, envVarSignalingURL, "")
	userID := envOrDefault(lookup, envVarUserID, "")

	transportWaitTimeout, err := envDurationOrDefault(lookup, envVarTransportWaitTimeout, 5*time.Second)
	if err != nil {
		return Config{}, err
	}
	transportWriteTimeout, err := envDurationOrDefault(lookup, envVarTransportWriteTimeout, 10*time.Second)
	if err != nil {
		return Config{}, err
	}
	transportPingInterval, err := envDurationOrDefault(lookup, envVarTransportPingInterval, 54*time.Second)
	if err != nil {
		return Config{}, err
	}
	maxSignalMessageBytes, err := envIntOrDefault(lookup, envVarMaxSignalMessageBytes, 256*1024)
	if err != nil {
		return Config{}, err
	}

	candidateQueueSize, err := envIntOrDefault(lookup, envVarCandidateQueueSize, 64)
	if err != nil {
		return Config{}, err
	}
	candidateRedrain, err := envDurationOrDefault(lookup, envVarCandidateRedrain, 250*time.Millisecond)
	if err != nil {
		return Config{}, err
	}
	iceDisconnectedTO, err := envDurationOrDefault(lookup, envVarICEDisconnectedTO, 30*time.Second)
	if err != nil {
		return Config{}, err
	}
	iceFailedTO, err := envDurationOrDefault(lookup, envVarICEFailedTO, 120*time.Second)
	if err != nil {
		return Config{}, err
	}
	iceKeepalive, err := envDurationOrDefault(lookup, envVarICEKeepalive, 2*time.Second)
	if err != nil {
		return Config{}, err
	}

	iceServersJSON := envOrDefault(lookup, envICEServersJSON, "")
	stunURLs := envOrDefault(lookup, envStunURLs, "stun:stun.l.google.com:19302")
	turnURLs := envOrDefault(lookup, envTurnURLs, "")
	turnUsername := envOrDefault(lookup, envTurnUsername, "")
	turnCredential := envOrDefault(lookup, envTurnCredential, "")

	modeStr := modeDefault
	logFormatStr := logFormatDefault
	logLevelStr := logLevelDefault

	fs := flag.NewFlagSet("pigeon-call", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fs.StringVar(&signalingURL, "signaling-url", signalingURL, "Signaling relay WebSocket URL (env "+envVarSignalingURL+")")
	fs.StringVar(&userID, "user-id", userID, "Local user id on the relay (env "+envVarUserID+")")
	fs.StringVar(&modeStr, "mode", modeStr, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error")
	fs.DurationVar(&transportWaitTimeout, "transport-wait-timeout", transportWaitTimeout, "Max wait for the signaling transport to connect before an outbound signal fails (env "+envVarTransportWaitTimeout+")")
	fs.StringVar(&stunURLs, "stun-urls", stunURLs, "Comma-separated STUN URLs (env "+envStunURLs+")")
	fs.StringVar(&turnURLs, "turn-urls", turnURLs, "Comma-separated TURN URLs (env "+envTurnURLs+")")
	fs.StringVar(&turnUsername, "turn-username", turnUsername, "TURN username (env "+envTurnUsername+")")
	fs.StringVar(&turnCredential, "turn-credential", turnCredential, "TURN credential (env "+envTurnCredential+")")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if signalingURL != "" {
		if err := validateSignalingURL(signalingURL); err != nil {
			return Config{}, err
		}
	}

	iceServers, err := parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential)
	if err != nil {
		return Config{}, err
	}

	if maxSignalMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxSignalMessageBytes)
	}
	if candidateQueueSize <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarCandidateQueueSize)
	}

	return Config{
		SignalingURL: signalingURL,
		UserID:       userID,
		Mode:         mode,
		LogFormat:    logFormat,
		LogLevel:     logLevel,
		ICEServers:   iceServers,

		TransportWaitTimeout:  transportWaitTimeout,
		TransportWriteTimeout: transportWriteTimeout,
		TransportPingInterval: transportPingInterval,
		MaxSignalMessageBytes: int64(maxSignalMessageBytes),

		CandidateQueueSize:    candidateQueueSize,
		CandidateRedrainDelay: candidateRedrain,

		ICEDisconnectedTimeout: iceDisconnectedTO,
		ICEFailedTimeout:       iceFailedTO,
		ICEKeepaliveInterval:   iceKeepalive,
	}, nil
}

func validateSignalingURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", envVarSignalingURL, raw, err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return fmt.Errorf("invalid %s %q: scheme must be ws or wss", envVarSignalingURL, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("invalid %s %q: missing host", envVarSignalingURL, raw)
	}
	return nil
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("unsupported log format %q", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported log level %q", raw)
	}
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

// NewLogger builds the process logger from the loaded config.
func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}
