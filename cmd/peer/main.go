// Command peer is a headless voice client: it joins one channel, sends the
// local microphone to every other member and logs who is speaking.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	// drivers register with mediadevices on import
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/carlcord/voice/internal/adapters/mediadev"
	"github.com/carlcord/voice/internal/adapters/membership"
	"github.com/carlcord/voice/internal/adapters/opusdec"
	"github.com/carlcord/voice/internal/adapters/rtc"
	"github.com/carlcord/voice/internal/adapters/wsclient"
	"github.com/carlcord/voice/internal/app/client"
	"github.com/carlcord/voice/internal/app/mesh"
	"github.com/carlcord/voice/internal/app/playback"
	"github.com/carlcord/voice/internal/app/vad"
	"github.com/carlcord/voice/internal/config"
	"github.com/carlcord/voice/internal/core"
	"github.com/carlcord/voice/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	zerolog.SetGlobalLevel(cfg.Level())
	cc := cfg.Client

	raw := cc.UserID
	if raw == "" {
		raw = uuid.NewString()
	}
	user, err := domain.ParseUserID(raw)
	if err != nil {
		log.Fatal().Err(err).Msg("user id")
	}
	kind, err := domain.ParseChannelKind(cc.ChannelKind)
	if err != nil {
		log.Fatal().Err(err).Msg("channel kind")
	}
	if cc.ChannelID == "" {
		log.Fatal().Msg("client.channel_id is required")
	}
	lg := log.With().Str("module", "peer").Str("user", string(user)).Logger()

	factory, err := rtc.NewFactory(rtc.DefaultWebRTCConfig(cc.ICEServers))
	if err != nil {
		lg.Fatal().Err(err).Msg("webrtc factory")
	}
	capturer, err := mediadev.NewCapturer(mediadev.Options{})
	if err != nil {
		lg.Fatal().Err(err).Msg("capturer")
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := wsclient.Dial(dialCtx, wsclient.Options{
		URL:          cc.GatewayURL,
		Token:        cc.Token,
		User:         string(user),
		Name:         cc.Username,
		PingPeriod:   cfg.PingPeriod,
		PongWait:     cfg.PongWait,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
	}, nil)
	dialCancel()
	if err != nil {
		lg.Fatal().Err(err).Str("url", cc.GatewayURL).Msg("dial gateway")
	}
	defer conn.Close()

	var store core.MembershipStore
	if cc.MembershipURL != "" {
		store = membership.NewRESTStore(cc.MembershipURL, cc.Token, cfg.Membership.Timeout)
	}

	c := client.New(client.Config{
		User: user,
		Mesh: mesh.Config{AnswerTimeout: cc.AnswerTimeout, OfferAttempts: cc.OfferAttempts},
		VAD: vad.Config{
			Interval:  cfg.VAD.Interval,
			Threshold: cfg.VAD.Threshold,
			Hangover:  cfg.VAD.Hangover,
		},
		StoreTimeout: cfg.Membership.Timeout,
	}, client.Deps{
		Gateway:  conn,
		Signaler: conn,
		Factory:  factory.New,
		Capturer: capturer,
		Player:   playback.DiscardPlayer{},
		Store:    store,
		Decoder:  opusdec.New,
	})
	c.SetEvents(client.Events{
		OnSpeakingChanged: func(u domain.UserID, speaking bool) {
			lg.Info().Str("who", string(u)).Bool("speaking", speaking).Msg("speaking")
		},
		OnParticipantsChanged: func(ps []domain.ParticipantVoiceState) {
			lg.Info().Int("count", len(ps)).Msg("participants changed")
		},
		OnPeerRemoved: func(u domain.UserID, reason error) {
			ev := lg.Info()
			if reason != nil {
				ev = lg.Warn().Err(reason)
			}
			ev.Str("who", string(u)).Msg("peer removed")
		},
	})
	conn.SetHandler(c.HandleMessage)

	if devs, err := c.Devices.Enumerate(ctx); err == nil {
		lg.Info().Int("inputs", len(devs.Inputs)).Int("outputs", len(devs.Outputs)).Msg("devices")
	}
	if cc.InputDevice != "" {
		if err := c.SwitchInput(ctx, cc.InputDevice); err != nil {
			lg.Warn().Err(err).Str("device", cc.InputDevice).Msg("input device")
		}
	}
	if cc.OutputDevice != "" {
		if err := c.SwitchOutput(ctx, cc.OutputDevice); err != nil {
			lg.Warn().Err(err).Str("device", cc.OutputDevice).Msg("output device")
		}
	}

	ch := domain.ChannelID(cc.ChannelID)
	if err := c.Join(ctx, ch, kind); err != nil {
		lg.Fatal().Err(err).Str("channel", cc.ChannelID).Msg("join")
	}
	lg.Info().Str("channel", cc.ChannelID).Str("kind", string(kind)).Msg("joined")

	select {
	case <-ctx.Done():
	case <-conn.Done():
		lg.Warn().Msg("gateway connection closed")
	}

	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer leaveCancel()
	if err := c.Close(leaveCtx); err != nil {
		lg.Warn().Err(err).Msg("leave")
	}
	lg.Info().Msg("peer exited")
}
