package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/huddlekit/huddle/internal/call"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/history"
	"github.com/huddlekit/huddle/internal/httpapi"
	"github.com/huddlekit/huddle/internal/observability"
	"github.com/huddlekit/huddle/internal/roomws"
	"github.com/huddlekit/huddle/internal/rtc"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config error")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	hist, err := history.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("history store init failed")
	}
	defer hist.Close()

	var bridge *roomws.Bridge
	var roomState call.RoomState
	if cfg.RoomSyncURL != "" {
		bridge, err = roomws.NewBridge(cfg.RoomSyncURL, cfg.LocalUserID, cfg.LocalDeviceID, log.Logger)
		if err != nil {
			log.Fatal().Err(err).Msg("room bridge init failed")
		}
		defer bridge.Close()
		roomState = bridge
	} else {
		log.Warn().Msg("HUDDLE_ROOM_SYNC_URL not set, state records stay local")
		roomState = call.NewMockRoomState()
	}

	transportMode := cfg.PeerTransport
	if transportMode == "auto" {
		if bridge != nil {
			transportMode = "webrtc"
		} else {
			transportMode = "mock"
		}
	}

	var devices call.MediaDevices
	var transport call.PeerTransport
	switch transportMode {
	case "webrtc":
		if bridge == nil {
			log.Fatal().Msg("HUDDLE_PEER_TRANSPORT=webrtc requires HUDDLE_ROOM_SYNC_URL")
		}
		rtcTransport := rtc.NewTransport(bridge, cfg.LocalUserID, cfg.LocalDeviceID, cfg.ICEServers, log.Logger)
		bridge.SetSessionFactory(rtcTransport.AcceptOffer)
		devices = rtc.NewDevices(log.Logger)
		transport = rtcTransport
		log.Info().Strs("ice_servers", cfg.ICEServers).Msg("peer transport: webrtc")
	case "mock":
		devices = call.NewMockDevices()
		transport = call.NewMockPeerTransport()
		log.Info().Msg("peer transport: mock")
	}

	manager := call.NewManager(
		call.Identity{UserID: cfg.LocalUserID, DeviceID: cfg.LocalDeviceID},
		devices, transport, roomState, metrics, hist, log.Logger,
	)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	manager.StartJanitor(runCtx, cfg.JanitorInterval)

	if bridge != nil {
		go func() {
			if err := bridge.Run(runCtx, manager); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("room bridge stopped")
			}
		}()
	}

	api := httpapi.New(cfg, manager, hist, metrics, log.Logger)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Info().Str("addr", cfg.BindAddr).Str("user_id", cfg.LocalUserID).Str("device_id", cfg.LocalDeviceID).Msg("huddle listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	runCancel()
	for _, gc := range manager.List() {
		if gc.Entered() {
			shutdownLeave(gc)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	log.Info().Msg("shutdown complete")
}

// shutdownLeave retracts membership so other devices drop us promptly
// instead of waiting for the record to expire.
func shutdownLeave(gc *call.GroupCall) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := gc.Leave(ctx); err != nil {
		log.Warn().Err(err).Str("room_id", gc.RoomID()).Msg("leave on shutdown failed")
	}
}
