package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/uniboxhq/unibox/internal/channel"
	"github.com/uniboxhq/unibox/internal/channel/adapters/telegram"
	"github.com/uniboxhq/unibox/internal/channel/adapters/website"
	"github.com/uniboxhq/unibox/internal/channel/adapters/whatsapp"
	"github.com/uniboxhq/unibox/internal/config"
	"github.com/uniboxhq/unibox/internal/conversation"
	"github.com/uniboxhq/unibox/internal/db"
	"github.com/uniboxhq/unibox/internal/dispatch"
	"github.com/uniboxhq/unibox/internal/event"
	"github.com/uniboxhq/unibox/internal/handlers"
	"github.com/uniboxhq/unibox/internal/inbound"
	"github.com/uniboxhq/unibox/internal/integration"
	"github.com/uniboxhq/unibox/internal/jobs"
	"github.com/uniboxhq/unibox/internal/lead"
	"github.com/uniboxhq/unibox/internal/logger"
	"github.com/uniboxhq/unibox/internal/media"
	"github.com/uniboxhq/unibox/internal/presence"
	"github.com/uniboxhq/unibox/internal/realtime"
	"github.com/uniboxhq/unibox/internal/server"
	"github.com/uniboxhq/unibox/internal/telephony"
	"github.com/uniboxhq/unibox/internal/telephony/ari"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideRedis,
			provideCipher,
			event.NewHub,
			realtime.NewGateway,
			presence.NewTracker,
			conversation.NewDBService,
			lead.NewDBService,
			telephony.NewDBService,
			provideIntegrationService,
			provideMediaStore,
			provideChannelRegistry,
			provideNormalizer,
			provideDispatcher,
			provideRecordingFetcher,
			provideEngine,
			provideTelephonyManager,
			provideScheduler,
			provideServerHandler(handlers.NewHealthHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideConversationHandler),
			provideServerHandler(provideCallHandler),
			provideServerHandler(provideIntegrationHandler),
			provideServerHandler(provideLeadHandler),
			provideServerHandler(provideRealtimeHandler),
			provideServerHandler(provideMediaHandler),
			provideServer,
		),
		fx.Invoke(
			startNormalizer,
			startDispatcher,
			startTelephonyManager,
			startRecordingFetcher,
			startScheduler,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	return logger.Init(cfg.Log.Level, cfg.Log.Format)
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideRedis(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return client.Close() }})
	return client
}

func provideCipher(cfg config.Config) (*integration.Cipher, error) {
	return integration.NewCipher(cfg.Auth.CredentialKey)
}

func provideIntegrationService(log *slog.Logger, conn *pgxpool.Pool, cipher *integration.Cipher) *integration.DBService {
	return integration.NewDBService(log, conn, cipher)
}

func provideMediaStore(log *slog.Logger, cfg config.Config) (*media.LocalStore, error) {
	return media.NewLocalStore(log, cfg.Media.Root, cfg.Media.BaseURL)
}

func provideChannelRegistry(log *slog.Logger) *channel.Registry {
	registry := channel.NewRegistry()
	registry.MustRegister(telegram.NewAdapter(log))
	registry.MustRegister(whatsapp.NewAdapter(log))
	registry.MustRegister(website.NewAdapter(log))
	return registry
}

func provideNormalizer(
	log *slog.Logger,
	registry *channel.Registry,
	conversations *conversation.DBService,
	leads *lead.DBService,
	mediaStore *media.LocalStore,
	hub *event.Hub,
	redisClient *redis.Client,
	tracker *presence.Tracker,
) *inbound.Normalizer {
	n := inbound.NewNormalizer(log, registry, conversations, leads, mediaStore, hub, redisClient)
	n.SetPresence(tracker)
	return n
}

func provideDispatcher(
	log *slog.Logger,
	registry *channel.Registry,
	conversations *conversation.DBService,
	integrations *integration.DBService,
	hub *event.Hub,
	cfg config.Config,
) *dispatch.Dispatcher {
	return dispatch.NewDispatcher(log, registry, conversations, integrations, hub, dispatch.Options{
		MaxAttempts:    cfg.Dispatch.MaxAttempts,
		BaseBackoff:    cfg.Dispatch.BaseBackoff.Value(),
		MaxBackoff:     cfg.Dispatch.MaxBackoff.Value(),
		RequestTimeout: cfg.Dispatch.RequestTimeout.Value(),
	})
}

func provideRecordingFetcher(log *slog.Logger, store *telephony.DBService, mediaStore *media.LocalStore, cfg config.Config) *telephony.RecordingFetcher {
	return telephony.NewRecordingFetcher(log, store, mediaStore,
		cfg.Recording.MaxAttempts, cfg.Recording.PollInterval.Value())
}

func provideEngine(log *slog.Logger, store *telephony.DBService, leads *lead.DBService, conversations *conversation.DBService, hub *event.Hub, fetcher *telephony.RecordingFetcher) *telephony.Engine {
	return telephony.NewEngine(log, store, leads, conversations, hub, fetcher)
}

func provideTelephonyManager(log *slog.Logger, engine *telephony.Engine, integrations *integration.DBService, cfg config.Config) *telephony.Manager {
	return telephony.NewManager(log, engine, integrations, ari.Config{
		BaseURL:  cfg.ARI.BaseURL,
		Username: cfg.ARI.Username,
		Password: cfg.ARI.Password,
		App:      cfg.ARI.App,
	})
}

func provideScheduler(log *slog.Logger, registry *channel.Registry, engine *telephony.Engine, integrations *integration.DBService, manager *telephony.Manager) *jobs.Scheduler {
	return jobs.NewScheduler(log, registry, engine, integrations, manager, jobs.Options{})
}

func provideWebhookHandler(log *slog.Logger, registry *channel.Registry, integrations *integration.DBService, normalizer *inbound.Normalizer) *handlers.WebhookHandler {
	return handlers.NewWebhookHandler(log, registry, integrations, normalizer)
}

func provideConversationHandler(log *slog.Logger, conversations *conversation.DBService, dispatcher *dispatch.Dispatcher, tracker *presence.Tracker) *handlers.ConversationHandler {
	return handlers.NewConversationHandler(log, conversations, dispatcher, tracker)
}

func provideCallHandler(log *slog.Logger, store *telephony.DBService, engine *telephony.Engine, manager *telephony.Manager) *handlers.CallHandler {
	return handlers.NewCallHandler(log, store, engine, manager)
}

func provideIntegrationHandler(log *slog.Logger, registry *channel.Registry, integrations *integration.DBService) *handlers.IntegrationHandler {
	return handlers.NewIntegrationHandler(log, registry, integrations)
}

func provideLeadHandler(log *slog.Logger, leads *lead.DBService) *handlers.LeadHandler {
	return handlers.NewLeadHandler(log, leads)
}

func provideRealtimeHandler(log *slog.Logger, gateway *realtime.Gateway, cfg config.Config) *handlers.RealtimeHandler {
	return handlers.NewRealtimeHandler(log, gateway, cfg.Auth.JWTSecret)
}

func provideMediaHandler(mediaStore *media.LocalStore) *handlers.MediaHandler {
	return handlers.NewMediaHandler(mediaStore.Root())
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.New(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...)
}

func startNormalizer(lc fx.Lifecycle, normalizer *inbound.Normalizer) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { normalizer.Close(); return nil },
	})
}

func startDispatcher(lc fx.Lifecycle, dispatcher *dispatch.Dispatcher) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { dispatcher.Start(); return nil },
		OnStop:  func(ctx context.Context) error { dispatcher.Close(); return nil },
	})
}

func startTelephonyManager(lc fx.Lifecycle, manager *telephony.Manager) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return manager.Start(ctx) },
		OnStop:  func(ctx context.Context) error { manager.Stop(); return nil },
	})
}

func startRecordingFetcher(lc fx.Lifecycle, fetcher *telephony.RecordingFetcher) {
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error { fetcher.Close(); return nil },
	})
}

func startScheduler(lc fx.Lifecycle, scheduler *jobs.Scheduler) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return scheduler.Start() },
		OnStop:  func(ctx context.Context) error { scheduler.Stop(); return nil },
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
