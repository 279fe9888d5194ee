package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/huskyhao/ScreenShare/internal/coordinator"
	"github.com/huskyhao/ScreenShare/internal/core/domain"
	"github.com/huskyhao/ScreenShare/internal/media"
	"github.com/huskyhao/ScreenShare/pkg/config"
	"github.com/huskyhao/ScreenShare/pkg/logger"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// drainTrack keeps the remote track's RTP queue moving. A real client
// would hand packets to a decoder here.
func drainTrack(track *webrtc.TrackRemote, log *zap.SugaredLogger) {
	var packets uint64
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			log.Debugw("remote track closed", "packets_received", packets)
			return
		}
		packets++
	}
}

func main() {
	role := flag.String("role", "viewer", "participant role: host or viewer")
	session := flag.String("session", "", "session id (required for viewers, optional for hosts)")
	configPath := flag.String("config", "configs/config.yaml", "path to local config file")
	configURL := flag.String("config-url", "", "relay config endpoint; overrides local signaling settings")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.DefaultConfig()
	}

	zapLogger := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *configURL != "" {
		remote, fetchErr := config.NewRemoteSource(*configURL).Get(ctx)
		if fetchErr != nil {
			log.Fatalw("failed to fetch remote config", "url", *configURL, "error", fetchErr)
		}
		cfg.Signaling.URL = remote.SignalingURL
		if len(remote.ICEServers) > 0 {
			cfg.WebRTC.ICEServers = remote.ICEServers
		}
	}

	if *role == "viewer" && *session == "" {
		log.Fatal("viewers must pass -session")
	}

	coord := coordinator.New(coordinator.Options{
		Role:      coordinator.Role(*role),
		SessionID: domain.SessionID(*session),
		Config:    cfg,
		Logger:    zapLogger,
	})

	if *role == "host" {
		source, srcErr := media.NewSource("screen", "screenshare", zapLogger)
		if srcErr != nil {
			log.Fatalw("failed to create media source", "error", srcErr)
		}
		coord.AttachMedia(source.Track())
		go source.Run(ctx)
	}

	if err := coord.Initialize(ctx); err != nil {
		log.Fatalw("failed to initialize", "role", *role, "error", err)
	}
	defer coord.Shutdown()

	log.Infow("agent running", "role", *role, "session_id", coord.SessionID())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.Infow("shutting down", "signal", sig)
			return

		case ev, ok := <-coord.Events():
			if !ok {
				return
			}
			switch ev.Type {
			case domain.EventPeerConnected:
				log.Infow("peer connected", "peer_id", ev.PeerID)
			case domain.EventPeerDisconnected:
				log.Warnw("peer disconnected", "peer_id", ev.PeerID)
			case domain.EventPeerFailed:
				log.Errorw("peer failed", "peer_id", ev.PeerID, "error", ev.Err)
			case domain.EventTrack:
				log.Infow("remote track started",
					"peer_id", ev.PeerID, "codec", ev.Track.Codec().MimeType)
				go drainTrack(ev.Track, log)
			case domain.EventViewerJoined:
				log.Infow("viewer joined", "viewer_id", ev.PeerID)
			case domain.EventViewerLeft:
				log.Infow("viewer left", "viewer_id", ev.PeerID)
			case domain.EventStreamEnded:
				log.Infow("stream ended", "session_id", ev.SessionID)
				return
			case domain.EventError:
				log.Errorw("coordinator error", "peer_id", ev.PeerID, "error", ev.Err)
			}
		}
	}
}
