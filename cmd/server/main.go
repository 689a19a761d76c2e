package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-broker/internal/auth"
	"chat-broker/internal/broker"
	"chat-broker/internal/bus"
	"chat-broker/internal/config"
	"chat-broker/internal/database"
	"chat-broker/internal/handlers"
	"chat-broker/internal/membership"
	"chat-broker/internal/presence"
	"chat-broker/internal/services"
	"chat-broker/internal/snowflake"
	"chat-broker/pkg/logger"
	"chat-broker/pkg/models"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration: %v", err)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Development)
	logger.SetGlobal(log)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	db, err := openDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Failed to open %s store: %v", cfg.Database.Backend, err)
	}
	defer db.Close()

	ids, err := snowflake.NewNode(cfg.Broker.NodeID)
	if err != nil {
		logger.Fatal("Invalid node id: %v", err)
	}

	index := membership.NewIndex(db, cfg.Broker.MembershipTTL)
	registry := presence.NewRegistry()

	opts := []broker.Option{broker.WithLogger(log.With("component", "broker"))}

	// Optional Redis: membership invalidations in and out, presence mirror out
	var invalidator handlers.Invalidator = index
	if cfg.Redis.Enabled() {
		rdb, err := bus.NewRedisClient(ctx, cfg.Redis.Addr)
		if err != nil {
			logger.Fatal("Failed to connect to redis: %v", err)
		}
		defer rdb.Close()

		sub := bus.NewMembershipSubscriber(rdb, cfg.Redis.MembershipChannel, index)
		invalidator = bus.NewClusterInvalidator(index, rdb, cfg.Redis.MembershipChannel)
		go func() {
			if err := sub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Membership subscriber stopped: %v", err)
			}
		}()

		mirror := bus.NewPresenceMirror(rdb, cfg.Redis.PresenceKey, cfg.Broker.NodeID)
		if err := mirror.Reset(ctx); err != nil {
			logger.Warn("Failed to reset presence mirror: %v", err)
		}
		opts = append(opts, broker.WithPresenceObserver(mirror))
	}

	// Optional Kafka: downstream feed of persisted messages
	if cfg.Kafka.Enabled() {
		publisher := bus.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer publisher.Close()
		opts = append(opts, broker.WithPublisher(publisher))
	}

	b := broker.New(broker.Config{
		MaxBodyLength:  cfg.Broker.MaxBodyLength,
		PersistTimeout: cfg.Broker.PersistTimeout,
		TypingTTL:      cfg.Broker.TypingTTL,
		IdleTimeout:    cfg.Broker.IdleTimeout,
	}, db, index, registry, ids, opts...)
	b.Start()

	// Initialize services and handlers
	authService := auth.NewService(db, cfg.JWT)
	historyService := services.NewHistoryService(db, index, cfg.History.PageSize, cfg.History.MaxPageSize)

	router := handlers.NewRouter(
		handlers.NewAuthHandlers(authService),
		handlers.NewChannelHandlers(historyService, authService, b, invalidator),
		handlers.NewWebSocketHandlers(authService, b, cfg.Broker.SendBuffer, cfg.Server.MaxFrameBytes),
	)

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("Server started on http://localhost%s (store=%s, node=%d)", cfg.Server.Port, cfg.Database.Backend, cfg.Broker.NodeID)
	logger.Info("WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	<-ctx.Done()
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP shutdown: %v", err)
	}
	if err := b.Shutdown(shutdownCtx); err != nil {
		logger.Error("Broker shutdown: %v", err)
	}
}

func openDatabase(ctx context.Context, cfg config.DatabaseConfig) (database.Database, error) {
	switch cfg.Backend {
	case "memory":
		db := database.NewMemoryDB()
		if err := seedDemo(db); err != nil {
			return nil, err
		}
		return db, nil

	case "scylla":
		pg, err := database.NewPostgresDB(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		messages, err := database.NewScyllaMessageStore(cfg.ScyllaHosts, cfg.ScyllaKeyspace)
		if err != nil {
			pg.Close()
			return nil, err
		}
		if err := messages.EnsureSchema(ctx); err != nil {
			messages.Close()
			pg.Close()
			return nil, err
		}
		return database.NewHybridDB(pg, messages), nil

	default:
		pg, err := database.NewPostgresDB(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		return pg, nil
	}
}

// seedDemo gives the in-memory backend two users sharing one channel so the
// server is usable without a database.
func seedDemo(db *database.MemoryDB) error {
	password := os.Getenv("DEMO_PASSWORD")
	if password == "" {
		password = "demo"
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	db.AddUser(models.User{ID: "alice", DisplayName: "Alice", Email: "alice@example.com", PasswordHash: hash})
	db.AddUser(models.User{ID: "bob", DisplayName: "Bob", Email: "bob@example.com", PasswordHash: hash})
	db.AddChannel(models.Channel{ID: "general", Name: "general", Kind: models.ChannelGroup})
	db.AddMember("general", "alice", models.RoleAdmin)
	db.AddMember("general", "bob", models.RoleMember)

	logger.Info("Seeded in-memory store with users alice and bob (channel general)")
	return nil
}
