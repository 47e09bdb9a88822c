// Command rtcpeer joins a lesson room as a Go peer and reports how the
// peer connections to the other participants evolve.  It publishes a
// silent audio track, which is enough to exercise signaling, ICE and
// media routing end to end.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/verbfy/lesson-rtc/internal/app"
	"github.com/verbfy/lesson-rtc/internal/peer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		signalURL string
		token     string
		room      string
		video     bool
		ice       []string
		duration  time.Duration
		reconnect bool
		interval  time.Duration
	)

	flagSet := pflag.NewFlagSet("rtcpeer", pflag.ContinueOnError)
	flagSet.StringVarP(&signalURL, "url", "u", "ws://localhost:8080/ws/signaling", "signaling websocket URL")
	flagSet.StringVarP(&token, "token", "t", os.Getenv("VERBFY_TOKEN"), "access token (default $VERBFY_TOKEN)")
	flagSet.StringVarP(&room, "room", "r", "", "room to join, e.g. lesson-42")
	flagSet.BoolVar(&video, "video", false, "also publish an empty VP8 track")
	flagSet.StringSliceVar(&ice, "ice", []string{"stun:stun.l.google.com:19302"}, "ICE server URLs")
	flagSet.DurationVar(&duration, "duration", 0, "leave after this long (0 runs until interrupted)")
	flagSet.BoolVar(&reconnect, "reconnect", false, "rejoin when the signaling connection drops")
	flagSet.DurationVar(&interval, "report", 5*time.Second, "status report interval")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if room == "" {
		return errors.New("--room is required")
	}

	logger, err := app.NewLogger("development")
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	mgr, err := peer.NewManager(peer.Config{
		SignalingURL: signalURL,
		Token:        token,
		Room:         room,
		ICEServers:   []webrtc.ICEServer{{URLs: ice}},
		OnStateChange: func(id string, s peer.State) {
			logger.Info("peer state", zap.String("peer", id), zap.String("state", string(s)))
		},
	}, peer.SyntheticSource{Video: video}, peer.WithLogger(logger))
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Start(ctx); err != nil {
		var media *peer.MediaAccessError
		if errors.As(err, &media) {
			return fmt.Errorf("cannot publish audio: %w", err)
		}
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("leaving room", zap.String("status", string(mgr.Status())))
			return nil
		case <-mgr.Done():
			if !reconnect {
				return errors.New("signaling connection lost")
			}
			if err := mgr.Reconnect(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("reconnect: %w", err)
			}
		case <-ticker.C:
			tracks := 0
			for _, ts := range mgr.RemoteTracks() {
				tracks += len(ts)
			}
			logger.Info("room status",
				zap.String("status", string(mgr.Status())),
				zap.Int("connections", mgr.Connections()),
				zap.Int("remote_tracks", tracks),
				zap.Any("peers", mgr.PeerStates()))
		}
	}
}
