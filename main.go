package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"telehealth-chat/internal/auth"
	"telehealth-chat/internal/broadcast"
	"telehealth-chat/internal/chat"
	"telehealth-chat/internal/config"
	"telehealth-chat/internal/db"
	chatgrpc "telehealth-chat/internal/grpc"
	"telehealth-chat/internal/handlers"
	"telehealth-chat/internal/logger"
	"telehealth-chat/internal/middleware"
	"telehealth-chat/internal/observability"
	"telehealth-chat/internal/policy"
	"telehealth-chat/internal/rabbitmq"
	"telehealth-chat/internal/repositories"
	"telehealth-chat/internal/storage"
	"telehealth-chat/internal/telemetry"
	"telehealth-chat/internal/ws"
)

func main() {
	cfg, envLoaded := config.Load()

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("config loaded", "env_file", envLoaded, "environment", cfg.Environment)

	if cfg.JWTSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing := observability.InitTracing(ctx, log, observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Environment: cfg.Environment,
		Endpoint:    cfg.OTLPEndpoint,
	})

	database, err := db.Connect(ctx, cfg.DBDSN)
	if err != nil {
		log.Fatal("failed to connect to db", "error", err)
	}
	defer database.Close()

	threadRepo := repositories.NewThreadRepo(database)
	messageRepo := repositories.NewMessageRepo(database)
	userRepo := repositories.NewUserRepo(database)
	appointmentRepo := repositories.NewAppointmentRepo(database)

	// Attachments
	var store storage.Store
	var localStore *storage.LocalStore
	switch cfg.StorageBackend {
	case "gcs":
		gcsStore, err := storage.NewGCSStore(ctx, log, cfg.GCSBucket, cfg.GCSCDNDomain)
		if err != nil {
			log.Fatal("failed to init gcs store", "error", err)
		}
		defer gcsStore.Close()
		store = gcsStore
	default:
		localStore = storage.NewLocalStore(cfg.UploadDir, "/uploads")
		store = localStore
	}

	// Broadcast
	bcastHub := broadcast.NewHub()
	var relay broadcast.Relay = broadcast.NewLocalRelay(bcastHub)
	if cfg.RedisAddr != "" {
		redisRelay, err := broadcast.NewRedisRelay(ctx, log, cfg.RedisAddr, bcastHub)
		if err != nil {
			log.Warn("redis relay unavailable, broadcasting in-process only", "error", err)
		} else if err := redisRelay.StartForwarder(ctx); err != nil {
			log.Warn("redis forwarder failed, broadcasting in-process only", "error", err)
			_ = redisRelay.Close()
		} else {
			defer redisRelay.Close()
			relay = redisRelay
		}
	}
	gateway := broadcast.NewGateway(log, bcastHub, relay)
	log.Info("broadcast relay ready", "relay", relay.Name())

	// Events
	publisher := rabbitmq.NewPublisher(log, cfg.AMQPURL, cfg.AMQPExchange)
	defer publisher.Close()
	observability.SetPublisher(publisher)
	log.Info("event publisher ready", "mode", rabbitmq.PublisherMode(publisher), "reason", rabbitmq.PublisherNoopReason(publisher))
	auditEmitter := telemetry.NewAuditEmitter(log, publisher, "audit.chat", cfg.ServiceName, cfg.Environment)

	verifier := auth.NewVerifier(cfg.JWTSecret)
	guard := policy.NewGuard(appointmentRepo)
	chatService := chat.NewService(log, threadRepo, messageRepo, userRepo, guard, store, gateway)

	chatHandler := handlers.NewChatHandler(chatService, auditEmitter, cfg.MaxUploadBytes)
	wsHub := ws.NewHub()
	threadWS := ws.NewThreadWebSocketHandler(log, wsHub, gateway, chatService, verifier)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()

	// middlewares
	router.Use(gin.Logger(), gin.Recovery())
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(observability.HTTPMetricsMiddleware())
	router.Use(handlers.RequestID())

	router.GET("/healthz", handlers.Health(database))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if localStore != nil {
		router.Static("/uploads", localStore.Dir())
	}

	authMiddleware := middleware.AuthMiddleware(verifier)
	api := router.Group("/", authMiddleware)
	api.GET("/threads", chatHandler.ListThreads)
	api.POST("/threads", chatHandler.CreateThread)
	api.GET("/threads/:thread_id/messages", chatHandler.GetMessages)
	api.POST("/threads/:thread_id/messages", chatHandler.PostMessage)
	api.POST("/threads/:thread_id/close", chatHandler.CloseThread)
	handlers.RegisterDebugRoutes(api, auditEmitter, cfg.Environment != "production")

	router.GET("/ws/threads/:thread_id", threadWS.Handle)

	// gRPC health
	healthServer := chatgrpc.NewHealthServer(log, database)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		log.Fatal("failed to listen for grpc", "port", cfg.GRPCPort, "error", err)
	}
	go healthServer.Watch(ctx, 15*time.Second)
	go func() {
		log.Info("grpc health listening", "port", cfg.GRPCPort)
		if err := healthServer.Server().Serve(lis); err != nil {
			log.Warn("grpc server stopped", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	healthServer.Shutdown()
	wsHub.CloseAll()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}
	gateway.Wait()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracer shutdown", "error", err)
	}
}
