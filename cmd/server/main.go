package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"crmchat/internal/config"
	"crmchat/internal/domain"
	"crmchat/internal/fanout"
	"crmchat/internal/httpserver"
	"crmchat/internal/logging"
	"crmchat/internal/metrics"
	"crmchat/internal/presence"
	"crmchat/internal/security"
	"crmchat/internal/service"
	"crmchat/internal/store/postgres"
	"crmchat/internal/store/sqlite"
	"crmchat/internal/ws"
)

type repos struct {
	users         domain.UserRepository
	messages      domain.MessageRepository
	notifications domain.NotificationRepository
}

func openStore(cfg *config.Config) (*sql.DB, repos, error) {
	switch cfg.DBDriver {
	case "postgres":
		db, err := postgres.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, repos{}, err
		}
		if err := postgres.Migrate(db); err != nil {
			db.Close()
			return nil, repos{}, fmt.Errorf("migrate: %w", err)
		}
		return db, repos{
			users:         postgres.NewUserRepo(db),
			messages:      postgres.NewMessageRepo(db),
			notifications: postgres.NewNotificationRepo(db),
		}, nil
	default:
		db, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, repos{}, err
		}
		if err := sqlite.Migrate(db); err != nil {
			db.Close()
			return nil, repos{}, fmt.Errorf("migrate: %w", err)
		}
		return db, repos{
			users:         sqlite.NewUserRepo(db),
			messages:      sqlite.NewMessageRepo(db),
			notifications: sqlite.NewNotificationRepo(db),
		}, nil
	}
}

// persistPresence writes registry transitions to the directory columns.
func persistPresence(users domain.UserRepository, logger *zap.Logger) func(presence.Event) {
	return func(ev presence.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		online := ev.Kind != presence.Offline
		if err := users.SetPresence(ctx, ev.UserID, online, ev.ActiveConnections, ev.At); err != nil {
			logger.Warn("persist presence", zap.String("user_id", ev.UserID), zap.Error(err))
		}
	}
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := logging.New(cfg.IsProduction(), cfg.Debug)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, store, err := openStore(cfg)
	if err != nil {
		logger.Fatal("failed to open database", zap.String("driver", cfg.DBDriver), zap.Error(err))
	}
	defer db.Close()

	// Security components
	tokenSvc := security.NewTokenService(cfg.JWTSecret, cfg.TokenTTL)
	encryptor, err := security.NewEncryptor([]byte(cfg.EncryptKey))
	if err != nil {
		logger.Fatal("failed to initialize encryptor", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Presence
	registry := presence.NewRegistry(cfg.PresenceGracePeriod, logger)
	registry.Subscribe(persistPresence(store.users, logger))
	registry.Subscribe(func(presence.Event) {
		metrics.OnlineUsers.Set(float64(len(registry.OnlineUsers())))
	})
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unavailable, presence mirror disabled", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		} else {
			mirror := presence.NewMirror(rdb, cfg.PresenceTTL, logger)
			registry.Subscribe(mirror.Handle)
			go mirror.KeepAlive(ctx, registry)
		}
	}

	// Services and fan-out
	hub := ws.NewHub(logger)
	messages := service.NewMessageService(store.messages, store.users, encryptor, logger, cfg.MaxMessageLength, cfg.HistoryLimit)
	notifications := service.NewNotificationService(store.notifications, store.users, logger, cfg.NotificationLimit)
	engine := fanout.NewEngine(messages, notifications, registry, hub, logger)
	registry.Subscribe(engine.HandlePresence)
	go registry.Run(ctx)

	// Build HTTP router
	router := httpserver.NewRouter(cfg, httpserver.Services{
		Tokens:        tokenSvc,
		Users:         service.NewUserService(store.users, registry),
		Messages:      messages,
		Conversations: service.NewConversationService(store.users, store.messages, messages, registry),
		Notifications: notifications,
		Engine:        engine,
		Registry:      registry,
		Hub:           hub,
		Logger:        logger,
	})

	srv := &http.Server{
		Addr:        cfg.HTTPAddr(),
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in background
	go func() {
		logger.Info("starting server", zap.String("app", cfg.AppName), zap.String("addr", cfg.HTTPAddr()), zap.String("db", cfg.DBDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	<-ctx.Done()
	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
