package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/Wyydra/securecall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/securecall/internal/adapter/driven/persistence/memory"
	"github.com/Wyydra/securecall/internal/adapter/driven/persistence/sqlite"
	"github.com/Wyydra/securecall/internal/adapter/driven/push"
	"github.com/Wyydra/securecall/internal/adapter/driven/scheduler"
	handler "github.com/Wyydra/securecall/internal/adapter/driving/http"
	"github.com/Wyydra/securecall/internal/config"
	"github.com/Wyydra/securecall/internal/core/domain"
	"github.com/Wyydra/securecall/internal/core/port"
	"github.com/Wyydra/securecall/internal/core/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", os.Getenv(config.EnvPrefix+"CONFIG"), "path to the YAML config file")
	addr := pflag.String("addr", "", "listen address, overrides server.addr")
	logLevel := pflag.String("log-level", "", "log level, overrides log.level")
	pflag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		config.LogConfig{}.Setup(os.Stderr)
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	cfg.Log.Setup(os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStorage(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open storage")
	}
	defer store.close()

	sched := scheduler.New(nil)
	hub := ws.NewHub()
	coordinator := push.NewCoordinator(store.directory, pushProvider(cfg.Push))

	presence := service.NewPresenceRegistry(hub, hub)
	calls := service.NewCallRegistry(
		memory.NewCallStore(),
		presence,
		store.directory,
		coordinator,
		store.callLog,
		sched,
		service.CallConfig{
			RingTimeout:   cfg.Calls.RingTimeout,
			WakeTimeout:   cfg.Calls.WakeTimeout(),
			TerminalGrace: cfg.Calls.TerminalGrace,
			PushTimeout:   cfg.Push.Timeout,
		},
	)
	relay := service.NewSignalingRelay(presence)
	chat := service.NewChatService(store.messages, store.directory, presence, coordinator, sched)
	ice := service.NewICEService(iceConfig(cfg.ICE), sched)

	h := handler.NewHandler(presence, calls, relay, chat, ice, store.directory, handler.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		LoginTimeout:   cfg.Server.LoginTimeout,
		Client: ws.ClientConfig{
			WriteTimeout: cfg.Server.WriteTimeout,
			PongTimeout:  cfg.Server.PongTimeout,
		},
		PushEnabled: coordinator.Enabled(),
	})

	go hub.Run()

	if *configPath != "" {
		go func() {
			err := config.Watch(ctx, *configPath, func(next *config.Config) {
				ice.Update(iceConfig(next.ICE))
			})
			if err != nil {
				log.Error().Err(err).Msg("Config watcher stopped")
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: h.NewRouter(),
	}

	go func() {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("storage", string(cfg.Storage.Driver)).
			Str("push", string(cfg.Push.Mode)).
			Msg("Starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	hub.Stop()
	calls.Shutdown()
	log.Info().Msg("Server exited")
}

type storage struct {
	directory port.Directory
	messages  port.MessageRepository
	callLog   port.CallLog
	close     func() error
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	users := make(map[domain.UserID]string, len(cfg.Users))
	for id, token := range cfg.Users {
		users[domain.UserID(id)] = token
	}

	if cfg.Storage.Driver != config.StorageSQLite {
		return &storage{
			directory: memory.NewDirectory(users),
			messages:  memory.NewMessageRepository(),
			callLog:   memory.NewCallLog(),
			close:     func() error { return nil },
		}, nil
	}

	db, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, err
	}
	dir := sqlite.NewDirectory(db)
	for id, token := range users {
		if err := dir.Upsert(ctx, id, token); err != nil {
			db.Close()
			return nil, err
		}
	}
	log.Info().Str("path", cfg.Storage.Path).Int("seeded", len(users)).Msg("SQLite storage ready")
	return &storage{
		directory: dir,
		messages:  sqlite.NewMessageRepository(db),
		callLog:   sqlite.NewCallLog(db),
		close:     db.Close,
	}, nil
}

func pushProvider(cfg config.PushConfig) port.PushProvider {
	switch cfg.Mode {
	case config.PushHTTP:
		return push.NewHTTPProvider(cfg.Endpoint, cfg.APIKey, cfg.Timeout)
	case config.PushLog:
		return push.LogProvider{}
	default:
		return nil
	}
}

func iceConfig(c config.ICEConfig) service.ICEConfig {
	return service.ICEConfig{
		STUNURLs:     c.STUNURLs,
		TURNURLs:     c.TURNURLs,
		TURNSecret:   c.TURNSecret,
		TURNUsername: c.TURNUsername,
		TURNPassword: c.TURNPassword,
		TTL:          c.TTL,
	}
}
