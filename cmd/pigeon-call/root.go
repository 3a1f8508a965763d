package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pigeonchat/callengine/internal/config"
	"github.com/pigeonchat/callengine/internal/engine"
	"github.com/pigeonchat/callengine/internal/media"
	"github.com/pigeonchat/callengine/internal/metrics"
	"github.com/pigeonchat/callengine/internal/signaling"
)

var (
	cfg    config.Config
	logger *slog.Logger
)

// passthroughFlags are forwarded to config.Load when set, so flag parsing
// and validation stay in one place.
var passthroughFlags = []string{
	"signaling-url", "user-id", "mode", "log-format", "log-level",
	"transport-wait-timeout", "stun-urls", "turn-urls", "turn-username", "turn-credential",
}

var rootCmd = &cobra.Command{
	Use:           "pigeon-call",
	Short:         "Pigeon call engine harness",
	Long:          "pigeon-call places and answers calls against a signaling relay, for demos and soak testing of the call engine.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var args []string
		for _, name := range passthroughFlags {
			if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
				args = append(args, "-"+name+"="+f.Value.String())
			}
		}

		var err error
		cfg, err = config.Load(args)
		if err != nil {
			return err
		}
		logger, err = config.NewLogger(cfg)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.String("signaling-url", "", "signaling relay WebSocket URL (env PIGEON_CALL_SIGNALING_URL)")
	pf.String("user-id", "", "local user id on the relay (env PIGEON_CALL_USER_ID)")
	pf.String("mode", "", "run mode: dev or prod")
	pf.String("log-format", "", "log format: text or json")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.Duration("transport-wait-timeout", 0, "max wait for the signaling transport before an outbound signal fails")
	pf.String("stun-urls", "", "comma-separated STUN URLs")
	pf.String("turn-urls", "", "comma-separated TURN URLs")
	pf.String("turn-username", "", "TURN username")
	pf.String("turn-credential", "", "TURN credential")

	rootCmd.AddCommand(dialCmd, waitCmd, loopbackCmd)
}

// runtime bundles one connected client and its engine.
type runtime struct {
	client  *signaling.Client
	engine  *engine.Engine
	metrics *metrics.Metrics
}

// newRuntime connects to the configured relay and starts an engine on local
// capture devices. The client keeps reconnecting until ctx ends.
func newRuntime(ctx context.Context) (*runtime, error) {
	if cfg.SignalingURL == "" {
		return nil, errors.New("signaling URL is required (--signaling-url or PIGEON_CALL_SIGNALING_URL)")
	}
	if cfg.UserID == "" {
		return nil, errors.New("user id is required (--user-id or PIGEON_CALL_USER_ID)")
	}

	m := metrics.New()
	client := signaling.NewClient(signaling.ClientConfig{
		URL:             cfg.SignalingURL,
		UserID:          cfg.UserID,
		WaitTimeout:     cfg.TransportWaitTimeout,
		WriteTimeout:    cfg.TransportWriteTimeout,
		PingInterval:    cfg.TransportPingInterval,
		MaxMessageBytes: cfg.MaxSignalMessageBytes,
	}, logger, m)
	go func() { _ = client.Run(ctx) }()

	source, err := media.NewDeviceSource(logger)
	if err != nil {
		client.Close()
		return nil, err
	}

	eng, err := engine.New(engineConfig(), client, source, logger, m)
	if err != nil {
		client.Close()
		return nil, err
	}

	return &runtime{client: client, engine: eng, metrics: m}, nil
}

func (rt *runtime) close() {
	_ = rt.engine.Close()
	rt.client.Close()
}

func engineConfig() engine.Config {
	return engine.Config{
		ICEServers:             cfg.ICEServers,
		CandidateQueueSize:     cfg.CandidateQueueSize,
		CandidateRedrainDelay:  cfg.CandidateRedrainDelay,
		ICEDisconnectedTimeout: cfg.ICEDisconnectedTimeout,
		ICEFailedTimeout:       cfg.ICEFailedTimeout,
		ICEKeepaliveInterval:   cfg.ICEKeepaliveInterval,
	}
}

// printSummary dumps the counter registry on exit.
func printSummary(cmd *cobra.Command, m *metrics.Metrics) {
	snap := m.Snapshot()
	if len(snap) == 0 {
		return
	}
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	cmd.Println("counters:")
	for _, name := range names {
		cmd.Println(fmt.Sprintf("  %-28s %d", name, snap[name]))
	}
}

func logEvent(ev engine.Event) {
	switch ev.Kind {
	case engine.EventStateChanged:
		logger.Info("call state", "state", ev.Call.State, "call_id", ev.Call.CallID,
			"muted", ev.Call.Muted, "speaker", ev.Call.SpeakerOn)
	case engine.EventIncomingCall:
		logger.Info("incoming call", "caller", ev.CallerID, "call_type", ev.CallType, "call_id", ev.Call.CallID)
	case engine.EventCallEnded:
		logger.Info("call ended", "reason", ev.Reason, "call_id", ev.Call.CallID)
	case engine.EventError:
		logger.Error("call error", "code", ev.Err.Code, "err", ev.Err)
	case engine.EventRemoteStreamUpdated:
		if ev.RemoteTrack != nil {
			logger.Info("remote track", "kind", ev.RemoteTrack.Kind(), "codec", ev.RemoteTrack.Codec().MimeType)
		}
	}
}
