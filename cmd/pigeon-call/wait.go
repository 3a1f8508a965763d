package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pigeonchat/callengine/internal/engine"
)

var waitOnce bool

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for incoming calls and auto-answer them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.close()
		defer printSummary(cmd, rt.metrics)

		events, cancel := rt.engine.Subscribe()
		defer cancel()

		logger.Info("waiting for calls", "user", cfg.UserID, "relay", cfg.SignalingURL)
		for {
			select {
			case <-ctx.Done():
				return rt.engine.HangupCall()
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				logEvent(ev)
				switch ev.Kind {
				case engine.EventIncomingCall:
					if err := rt.engine.AnswerCall(); err != nil {
						logger.Error("answer failed", "err", err)
					}
				case engine.EventCallEnded:
					if waitOnce {
						return nil
					}
				}
			}
		}
	},
}

func init() {
	waitCmd.Flags().BoolVar(&waitOnce, "once", false, "exit after the first call ends")
}
