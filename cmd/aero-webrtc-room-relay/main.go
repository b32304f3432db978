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
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/room"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/signaling"
	"github.com/wilsonzlin/aero/proxy/webrtc-room-relay/internal/webrtcpeer"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

// negotiationSlack is added to the ICE gathering timeout to bound a whole
// offer/answer exchange on the signaling socket.
const negotiationSlack = 5 * time.Second

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	// Construct the WebRTC API early so misconfigurations are caught on startup.
	// No ICE sockets exist until the first session is negotiated.
	api, err := webrtcpeer.NewAPI(cfg, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		os.Exit(2)
	}

	logger.Info("starting aero-webrtc-room-relay",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"config_file", cfg.ConfigFile,
		"max_occupancy", cfg.MaxOccupancy,
		"default_rooms", cfg.DefaultRooms,
		"keyframe_interval", cfg.KeyframeInterval,
		"keyframe_retry_delays", cfg.KeyframeRetryDelays,
		"ice_gathering_timeout", cfg.ICEGatheringTimeout,
		"media_timeout", cfg.MediaTimeout,
		"ice_servers", len(cfg.ICEServers),
	)
	logStartupWarnings(logger, cfg)

	m := metrics.New()
	if err := metrics.RegisterRuntimeCollectors(m); err != nil {
		logger.Error("failed to register runtime collectors", "err", err)
		os.Exit(2)
	}

	engine := room.NewEngine(room.Options{
		MaxOccupancy:         cfg.MaxOccupancy,
		KeyframeInterval:     cfg.KeyframeInterval,
		KeyframeInitialDelay: cfg.KeyframeInitialDelay,
		KeyframeRetryDelays:  cfg.KeyframeRetryDelays,
		GatherTimeout:        cfg.ICEGatheringTimeout,
		Logger:               logger,
		Metrics:              m,
	}, webrtcpeer.NewSessionFactory(api, webrtcpeer.SessionConfig{
		ICEServers:   cfg.ICEServers,
		MediaTimeout: cfg.MediaTimeout,
		Logger:       logger,
	}))
	for i := 0; i < cfg.DefaultRooms; i++ {
		engine.Registry.AddRoom()
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	commit, buildTime := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: buildTime})
	srv.SetMetrics(m)

	sig := signaling.NewServer(signaling.Config{
		Engine:                        engine,
		Logger:                        logger,
		Metrics:                       m,
		NegotiationTimeout:            cfg.ICEGatheringTimeout + negotiationSlack,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		SignalingSendQueueLen:         cfg.SignalingSendQueueLen,
	})
	srv.HandleBrowser("GET /ws", sig.Handler())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		sig.Close()
		engine.Registry.Close()
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

	// Hijacked WebSocket connections are not tracked by http.Server.Shutdown.
	sig.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}
	engine.Registry.Close()

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values, falling back to the Go build info for
	// `go run` and dev builds.
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
