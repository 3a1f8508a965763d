package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigeonchat/callengine/internal/engine"
	"github.com/pigeonchat/callengine/internal/media"
	"github.com/pigeonchat/callengine/internal/metrics"
	"github.com/pigeonchat/callengine/internal/relaytest"
	"github.com/pigeonchat/callengine/internal/signaling"
)

var loopbackHold time.Duration

var loopbackCmd = &cobra.Command{
	Use:   "loopback",
	Short: "Run a scripted call between two in-process engines",
	Long:  "loopback starts an in-process relay plus a caller and a callee engine, runs one call end to end, and prints counters. No devices or external relay needed.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		relay := relaytest.NewServer(relaytest.Config{Logger: logger})
		defer relay.Close()

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: relay.Handler()}
		go func() { _ = srv.Serve(ln) }()
		defer srv.Close()

		url := fmt.Sprintf("ws://%s/ws", ln.Addr())
		logger.Info("loopback relay up", "url", url)

		caller, err := loopbackPeer(ctx, url, "caller")
		if err != nil {
			return err
		}
		defer caller.close()
		callee, err := loopbackPeer(ctx, url, "callee")
		if err != nil {
			return err
		}
		defer callee.close()
		defer printSummary(cmd, caller.metrics)

		calleeEvents, cancelCallee := callee.engine.Subscribe()
		defer cancelCallee()
		go func() {
			for ev := range calleeEvents {
				if ev.Kind == engine.EventIncomingCall {
					if err := callee.engine.AnswerCall(); err != nil {
						logger.Error("callee answer failed", "err", err)
					}
				}
			}
		}()

		callerEvents, cancelCaller := caller.engine.Subscribe()
		defer cancelCaller()

		if err := caller.engine.StartCall("callee"); err != nil {
			return err
		}

		active := false
		hold := time.NewTimer(loopbackHold)
		defer hold.Stop()
		for {
			select {
			case <-ctx.Done():
				return caller.engine.HangupCall()
			case <-hold.C:
				if !active {
					return fmt.Errorf("call never reached active within %s", loopbackHold)
				}
				logger.Info("loopback call held, hanging up")
				return caller.engine.HangupCall()
			case ev, ok := <-callerEvents:
				if !ok {
					return nil
				}
				logEvent(ev)
				switch ev.Kind {
				case engine.EventStateChanged:
					if ev.Call.State == engine.StateActive && !active {
						active = true
						logger.Info("loopback call active")
					}
				case engine.EventError:
					return ev.Err
				case engine.EventCallEnded:
					return nil
				}
			}
		}
	},
}

func init() {
	loopbackCmd.Flags().DurationVar(&loopbackHold, "hold", 5*time.Second, "how long to keep the call up before hanging up")
}

// nullSource produces trackless streams so the loopback demo negotiates
// receive-only calls without touching capture hardware.
type nullSource struct{}

func (nullSource) Acquire(_ context.Context, _ bool, facing media.Facing) (*media.Stream, error) {
	return media.NewStream(nil, nil, facing), nil
}

type loopbackRuntime struct {
	client  *signaling.Client
	engine  *engine.Engine
	metrics *metrics.Metrics
}

func (rt *loopbackRuntime) close() {
	_ = rt.engine.Close()
	rt.client.Close()
}

func loopbackPeer(ctx context.Context, url, user string) (*loopbackRuntime, error) {
	m := metrics.New()
	client := signaling.NewClient(signaling.ClientConfig{URL: url, UserID: user}, logger, m)
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}

	eng, err := engine.New(engineConfig(), client, nullSource{}, logger, m)
	if err != nil {
		client.Close()
		return nil, err
	}
	return &loopbackRuntime{client: client, engine: eng, metrics: m}, nil
}
