package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/securecall/internal/client"
	"github.com/Wyydra/securecall/internal/client/negotiation"
	"github.com/Wyydra/securecall/internal/config"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/protocol"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	server := pflag.String("server", "http://localhost:8080", "server base URL")
	identity := pflag.String("identity", "", "identity to log in as")
	token := pflag.String("token", os.Getenv(config.EnvPrefix+"TOKEN"), "access token")
	callee := pflag.String("call", "", "identity to call once logged in")
	video := pflag.Bool("video", false, "place a video call instead of an audio call")
	autoAnswer := pflag.Bool("auto-answer", false, "accept incoming calls")
	pushToken := pflag.String("push-token", "", "wake credential to register")
	history := pflag.Int("history", 0, "print this many recent calls after login")
	logLevel := pflag.String("log-level", "info", "log level")
	pflag.Parse()

	config.LogConfig{Level: *logLevel}.Setup(os.Stderr)

	if *identity == "" {
		log.Fatal().Msg("--identity is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := client.Dial(ctx, *server, domain.UserID(*identity), *token)
	if err != nil {
		log.Fatal().Err(err).Msg("Login failed")
	}
	defer conn.Close()

	if *pushToken != "" {
		if err := conn.RegisterPushToken(*pushToken, "cli"); err != nil {
			log.Error().Err(err).Msg("Push token not registered")
		}
	}

	dialer, err := negotiation.NewPionDialer()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up WebRTC")
	}
	engine := negotiation.NewEngine(dialer, negotiation.AcquireSynthetic, conn, negotiation.Options{})

	ended := make(chan struct{}, 1)
	phone := client.NewPhone(conn, engine, client.PhoneOptions{
		AutoAnswer: *autoAnswer,
		OnIncoming: func(c domain.IncomingCall) {
			log.Info().Str("from", c.From.String()).Msg("Ringing; start with --auto-answer to pick up")
		},
		OnEnded: func(id domain.CallID, reason string) {
			select {
			case ended <- struct{}{}:
			default:
			}
		},
	})
	defer phone.Close()

	conn.On(domain.EventCallHistory, func(env protocol.Envelope) {
		var h domain.CallHistory
		if err := env.Bind(&h); err != nil {
			log.Error().Err(err).Msg("Unreadable call history")
			return
		}
		for _, rec := range h.Calls {
			log.Info().
				Str("call_id", rec.CallID.String()).
				Str("caller", rec.Caller.String()).
				Str("callee", rec.Callee.String()).
				Str("status", string(rec.Status)).
				Time("at", rec.CreatedAt).
				Dur("duration", rec.Duration()).
				Msg("Recent call")
		}
	})

	errc := make(chan error, 1)
	go func() { errc <- conn.Run(ctx) }()

	if *history > 0 {
		if err := conn.GetCallHistory(*history); err != nil {
			log.Error().Err(err).Msg("Call history not requested")
		}
	}

	if *callee != "" {
		kind := domain.MediaAudio
		if *video {
			kind = domain.MediaVideo
		}
		if err := phone.Call(domain.UserID(*callee), kind); err != nil {
			log.Fatal().Err(err).Msg("Call not placed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			if err := phone.Hangup(); err == nil {
				log.Info().Msg("Hung up")
			}
			return
		case err := <-errc:
			if err != nil {
				log.Error().Err(err).Msg("Connection lost")
			}
			return
		case <-ended:
			// An outgoing session is one call; answering devices keep waiting.
			if *callee != "" {
				return
			}
		}
	}
}
