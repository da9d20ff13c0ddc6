package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/wricardo/chessmatch/api"
	"github.com/wricardo/chessmatch/auth"
	"github.com/wricardo/chessmatch/broker"
	"github.com/wricardo/chessmatch/game/bot"
	"github.com/wricardo/chessmatch/game/config"
	"github.com/wricardo/chessmatch/game/engine"
	"github.com/wricardo/chessmatch/game/leader"
	"github.com/wricardo/chessmatch/game/profile"
	"github.com/wricardo/chessmatch/game/rating"
	"github.com/wricardo/chessmatch/game/service"
	"github.com/wricardo/chessmatch/game/session"
	"github.com/wricardo/chessmatch/transport/mcp"
	"github.com/wricardo/chessmatch/transport/telegram"
	"github.com/wricardo/chessmatch/transport/websocket"
)

// app holds every long-lived component of one replica.
type app struct {
	cfg       *config.AppConfig
	logger    zerolog.Logger
	replicaID string

	redis       *redis.Client
	memSessions *session.MemoryStore
	postgres    *profile.PostgresStore
	broker      broker.MessageBroker

	coord     *service.Coordinator
	hub       *websocket.Hub
	scheduler *bot.Scheduler
	elector   *leader.Elector
	consumer  *telegram.Consumer

	handler http.Handler
}

// newApp wires the components described by cfg. selfURL is the address the
// embedded MCP endpoint uses to reach this server's REST API.
func newApp(ctx context.Context, cfg *config.AppConfig, logger zerolog.Logger, selfURL string) (*app, error) {
	a := &app{cfg: cfg, logger: logger, replicaID: uuid.NewString()}
	if err := a.build(ctx, selfURL); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, selfURL string) error {
	cfg, logger := a.cfg, a.logger

	if cfg.Redis.Address != "" {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", cfg.Redis.Address, err)
		}
	}

	sessions, err := a.sessionStore()
	if err != nil {
		return err
	}
	profiles, err := a.profileStore(ctx)
	if err != nil {
		return err
	}
	if a.broker, err = a.messageBroker(); err != nil {
		return err
	}

	authenticator := a.authenticator()

	a.hub = websocket.NewHub(a.broker, authenticator,
		websocket.WithChannel(cfg.Broker.Channel),
		websocket.WithLogger(logger.With().Str("component", "websocket").Logger()),
	)

	a.scheduler, err = bot.NewScheduler(engine.RandomMover{},
		bot.WithDelay(cfg.Bot.Delay),
		bot.WithLogger(logger.With().Str("component", "bot").Logger()),
	)
	if err != nil {
		return fmt.Errorf("bot scheduler: %w", err)
	}

	finalizer := rating.NewFinalizer(profiles,
		rating.WithFinalizerLogger(logger.With().Str("component", "rating").Logger()),
	)

	a.coord = service.NewCoordinator(sessions, engine.NewChess(),
		service.WithNotifier(a.hub),
		service.WithFinalizer(finalizer),
		service.WithTurnScheduler(a.scheduler),
		service.WithTTL(cfg.Session.TTL),
		service.WithMaxAttempts(cfg.Session.MaxMoveAttempts),
		service.WithLogger(logger.With().Str("component", "coordinator").Logger()),
	)
	a.hub.Attach(a.coord)
	a.scheduler.Attach(a.coord)

	var teleBot *telegram.Bot
	if cfg.Telegram.Enabled {
		client := telegram.NewClient(cfg.Telegram.APIURL, cfg.Telegram.BotToken)
		teleLogger := logger.With().Str("component", "telegram").Logger()
		teleBot = telegram.NewBot(client, a.coord, profiles, cfg.Telegram.BotUsername, cfg.Telegram.WebAppURL, teleLogger)
		a.consumer = telegram.NewConsumer(client, teleBot, telegram.ConsumerConfig{
			WebhookURL:    cfg.Telegram.WebhookURL,
			WebhookSecret: cfg.Telegram.WebhookSecret,
			PollTimeout:   cfg.Telegram.PollTimeout,
		}, teleLogger)
	}

	a.elector, err = leader.NewElector(a.lockStore(), leader.Config{
		Key:             cfg.Leader.Key,
		TTL:             cfg.Leader.TTL,
		RenewInterval:   cfg.Leader.RenewInterval,
		AcquireInterval: cfg.Leader.AcquireInterval,
		HolderID:        a.replicaID,
	}, a.leaderRunner, logger.With().Str("component", "leader").Logger())
	if err != nil {
		return fmt.Errorf("leader elector: %w", err)
	}

	opts := []api.Option{
		api.WithWebSocket(http.HandlerFunc(a.hub.ServeWS)),
		api.WithLeadership(a.elector),
		api.WithMCP(mcp.NewClient(selfURL, cfg.MCP.Token).HTTPHandler()),
		api.WithLogger(logger),
	}
	if teleBot != nil {
		opts = append(opts, api.WithTelegramWebhook(
			telegram.WebhookHandler(teleBot, cfg.Telegram.WebhookSecret, a.elector.IsLeader, logger),
		))
	}
	a.handler = api.NewServer(a.coord, profiles, authenticator, opts...)

	return nil
}

func (a *app) sessionStore() (session.Store, error) {
	switch strings.ToLower(a.cfg.Session.Store) {
	case "redis":
		return session.NewRedisStore(a.redis), nil
	case "memory":
		a.memSessions = session.NewMemoryStore()
		return a.memSessions, nil
	}
	return nil, fmt.Errorf("unknown session store %q", a.cfg.Session.Store)
}

func (a *app) profileStore(ctx context.Context) (profile.Store, error) {
	switch strings.ToLower(a.cfg.Profile.Store) {
	case "postgres":
		store, err := profile.NewPostgresStore(ctx, &profile.PostgresConfig{
			Pool:        profile.PoolConfig{ConnString: a.cfg.Postgres.ConnString, MaxConns: a.cfg.Postgres.MaxConns},
			AutoMigrate: a.cfg.Postgres.AutoMigrate,
		})
		if err != nil {
			return nil, fmt.Errorf("profile store: %w", err)
		}
		a.postgres = store
		return store, nil
	case "memory":
		return profile.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown profile store %q", a.cfg.Profile.Store)
}

func (a *app) messageBroker() (broker.MessageBroker, error) {
	switch strings.ToLower(a.cfg.Broker.Type) {
	case "redis":
		return broker.NewRedisBroker(a.redis), nil
	case "kafka":
		group := a.cfg.Broker.Kafka.GroupPrefix + "-" + a.replicaID
		b, err := broker.NewKafkaBroker(a.cfg.Broker.Kafka.Brokers, group)
		if err != nil {
			return nil, fmt.Errorf("kafka broker: %w", err)
		}
		return b, nil
	case "local":
		return broker.NewLocalBroker(), nil
	}
	return nil, fmt.Errorf("unknown broker %q", a.cfg.Broker.Type)
}

func (a *app) authenticator() *auth.Authenticator {
	authn := &auth.Authenticator{}
	if a.cfg.Telegram.BotToken != "" {
		authn.Telegram = auth.NewTelegramValidator(a.cfg.Telegram.BotToken, a.cfg.Auth.InitDataMaxAge)
	}
	if a.cfg.Auth.JWTSecret != "" {
		authn.JWT = auth.NewJWTValidator(a.cfg.Auth.JWTSecret, a.redis)
	}
	if a.cfg.Auth.AllowInsecure {
		a.logger.Warn().Msg("insecure dev credentials are accepted")
		authn.Dev = auth.InsecureValidator{}
	}
	return authn
}

// lockStore shares the lock through Redis when it is available. Without
// Redis there is a single replica and the lock is process local.
func (a *app) lockStore() leader.LockStore {
	if a.redis != nil {
		return leader.NewRedisLockStore(a.redis)
	}
	return leader.NewMemoryLockStore()
}

// leaderRunner drives the inbound Telegram stream while this replica leads.
func (a *app) leaderRunner(ctx context.Context) error {
	if a.consumer == nil {
		<-ctx.Done()
		return nil
	}
	err := a.consumer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// start launches the background loops. They all stop when ctx ends.
func (a *app) start(ctx context.Context) (<-chan struct{}, error) {
	if err := a.hub.Start(ctx); err != nil {
		return nil, fmt.Errorf("websocket hub: %w", err)
	}

	if a.memSessions != nil {
		go a.cleanupSessions(ctx)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.elector.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error().Err(err).Msg("leader elector stopped")
		}
	}()
	return done, nil
}

// cleanupSessions removes expired sessions from the memory store.
func (a *app) cleanupSessions(ctx context.Context) {
	interval := a.cfg.Session.CleanupInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := a.memSessions.CleanupExpired(); removed > 0 {
				a.logger.Info().Int("removed", removed).Msg("cleaned up expired sessions")
			}
		}
	}
}

// close releases resources after the HTTP server and elector have stopped.
func (a *app) close() {
	if a.scheduler != nil {
		if err := a.scheduler.Shutdown(); err != nil {
			a.logger.Warn().Err(err).Msg("bot scheduler shutdown")
		}
	}
	if a.broker != nil {
		if err := a.broker.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("broker close")
		}
	}
	if a.postgres != nil {
		a.postgres.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("redis close")
		}
	}
}
