package main

import (
	"context"
	"flag"
	"os"
	osSignal "os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stagemesh/stagemesh/internal/config"
	"github.com/stagemesh/stagemesh/internal/core"
	"github.com/stagemesh/stagemesh/internal/domain"
	"github.com/stagemesh/stagemesh/internal/media"
	"github.com/stagemesh/stagemesh/internal/peer"
	"github.com/stagemesh/stagemesh/internal/signal"
	"github.com/stagemesh/stagemesh/internal/stage"
)

func main() {
	var (
		stageFlag = flag.String("stage", "main", "stage to join")
		userFlag  = flag.String("user", "", "user id (random when empty)")
		nameFlag  = flag.String("name", "guest", "display name")
		roleFlag  = flag.String("role", "speaker", "moderator|speaker|audience")
		audio     = flag.Bool("audio", true, "capture microphone")
		video     = flag.Bool("video", true, "capture camera")
	)
	flag.Parse()

	ctx, cancel := osSignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	userID := domain.UserID(*userFlag)
	if userID == "" {
		userID = domain.UserID(uuid.NewString())
	}
	role := domain.Role(*roleFlag)

	acquirer, err := media.NewAcquirer()
	if err != nil {
		log.Fatal().Err(err).Msg("media acquirer")
	}

	channel := signal.NewChannel(signal.Options{
		URL:         cfg.Client.SignalingURL,
		DisplayName: *nameFlag,
		Role:        role,
		JoinTimeout: cfg.Client.JoinTimeout,
	})

	orch := stage.New(stage.Options{
		NegotiationTimeout:   cfg.Client.NegotiationTimeout,
		DisconnectGrace:      cfg.Client.DisconnectGrace,
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		ReconnectBackoff:     cfg.Client.ReconnectBackoff,
		QualityInterval:      cfg.Client.QualityInterval,
	}, stage.Deps{
		Devices:  acquirer,
		Registry: media.NewRegistry(),
		Channel:  channel,
		Factory: peer.NewTransportFactory(peer.TransportConfig{
			ICEServers:  cfg.Client.StunServers,
			EngineSetup: acquirer.PopulateMediaEngine,
		}),
	})

	events, unsubscribe := orch.Subscribe()
	defer unsubscribe()
	go func() {
		for ev := range events {
			logEvent(ev)
		}
	}()

	err = orch.Initialize(ctx, stage.InitConfig{
		StageID:     domain.StageID(*stageFlag),
		UserID:      userID,
		Role:        role,
		Constraints: core.MediaConstraints{Audio: *audio, Video: *video},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("initialize failed")
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	if err := orch.Leave(context.Background()); err != nil {
		log.Error().Err(err).Msg("leave")
	}
	log.Info().Msg("Left stage gracefully")
}

func logEvent(ev core.StageEvent) {
	e := log.Info().Str("event", string(ev.Type))
	if ev.State != "" {
		e = e.Str("state", string(ev.State))
	}
	if ev.Peer != "" {
		e = e.Str("peer", string(ev.Peer))
	}
	if ev.Control != nil {
		e = e.Str("op", string(ev.Control.Op))
	}
	if ev.Quality != nil {
		e = e.Str("quality", string(ev.Quality.Quality)).Int64("ping_ms", ev.Quality.PingMs)
	}
	if ev.Reason != "" {
		e = e.Str("reason", ev.Reason)
	}
	e.Msg("stage event")
}
