package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pigeonchat/callengine/internal/engine"
	"github.com/pigeonchat/callengine/internal/media"
)

var (
	dialVideo    bool
	dialFacing   string
	dialDuration time.Duration
)

var dialCmd = &cobra.Command{
	Use:   "dial <user>",
	Short: "Place a call to another user on the relay",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
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

		target := args[0]
		if dialVideo {
			facing := media.Facing(dialFacing)
			if facing != media.FacingFront && facing != media.FacingBack {
				return fmt.Errorf("unsupported facing %q", dialFacing)
			}
			err = rt.engine.StartVideoCall(target, facing)
		} else {
			err = rt.engine.StartCall(target)
		}
		if err != nil {
			return err
		}

		var hangAt <-chan time.Time
		if dialDuration > 0 {
			timer := time.NewTimer(dialDuration)
			defer timer.Stop()
			hangAt = timer.C
		}

		for {
			select {
			case <-ctx.Done():
				return rt.engine.HangupCall()
			case <-hangAt:
				logger.Info("call duration reached, hanging up")
				if err := rt.engine.HangupCall(); err != nil {
					return err
				}
				hangAt = nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				logEvent(ev)
				if ev.Kind == engine.EventCallEnded {
					return nil
				}
				if ev.Kind == engine.EventError {
					return ev.Err
				}
			}
		}
	},
}

func init() {
	dialCmd.Flags().BoolVar(&dialVideo, "video", false, "place a video call")
	dialCmd.Flags().StringVar(&dialFacing, "facing", string(media.FacingFront), "camera facing for video calls: front or back")
	dialCmd.Flags().DurationVar(&dialDuration, "duration", 0, "hang up after this long (0 = until the other side ends or interrupt)")
}
