package config

import (
	"log/slog"
	"testing"
	"time"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	t.Parallel()

	cfg, err := loadWith(lookupFrom(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("log format=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("log level=%v, want debug", cfg.LogLevel)
	}
	if cfg.TransportWaitTimeout != 5*time.Second {
		t.Fatalf("transport wait timeout=%v", cfg.TransportWaitTimeout)
	}
	if cfg.CandidateQueueSize != 64 {
		t.Fatalf("candidate queue size=%d", cfg.CandidateQueueSize)
	}
	if len(cfg.ICEServers) != 1 {
		t.Fatalf("expected default STUN server, got %#v", cfg.ICEServers)
	}
}

func TestLoad_ProdModeDefaultsToJSONInfo(t *testing.T) {
	t.Parallel()

	cfg, err := loadWith(lookupFrom(map[string]string{
		"PIGEON_CALL_MODE": "prod",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("log format=%q, want json", cfg.LogFormat)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("log level=%v, want info", cfg.LogLevel)
	}
}

func TestLoad_FlagsOverrideEnv(t *testing.T) {
	t.Parallel()

	cfg, err := loadWith(lookupFrom(map[string]string{
		"PIGEON_CALL_SIGNALING_URL": "ws://env.example.com/ws",
	}), []string{"-signaling-url", "wss://flag.example.com/ws", "-user-id", "u1"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SignalingURL != "wss://flag.example.com/ws" {
		t.Fatalf("signaling url=%q", cfg.SignalingURL)
	}
	if cfg.UserID != "u1" {
		t.Fatalf("user id=%q", cfg.UserID)
	}
}

func TestLoad_RejectsBadSignalingURL(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{"http://example.com/ws", "ws://", "://nope"} {
		if _, err := loadWith(lookupFrom(map[string]string{
			"PIGEON_CALL_SIGNALING_URL": raw,
		}), nil); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestLoad_RejectsBadDurations(t *testing.T) {
	t.Parallel()

	if _, err := loadWith(lookupFrom(map[string]string{
		"PIGEON_CALL_TRANSPORT_WAIT_TIMEOUT": "soon",
	}), nil); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoad_RejectsNonPositiveQueueSize(t *testing.T) {
	t.Parallel()

	if _, err := loadWith(lookupFrom(map[string]string{
		"PIGEON_CALL_CANDIDATE_QUEUE_SIZE": "0",
	}), nil); err == nil {
		t.Fatal("expected error")
	}
}
