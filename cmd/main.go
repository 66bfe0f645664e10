package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/loomstudio/loom-backend/internal/clients/gcp"
	"github.com/loomstudio/loom-backend/internal/clients/genai"
	redisclient "github.com/loomstudio/loom-backend/internal/clients/redis"
	"github.com/loomstudio/loom-backend/internal/db"
	"github.com/loomstudio/loom-backend/internal/handlers"
	"github.com/loomstudio/loom-backend/internal/logger"
	"github.com/loomstudio/loom-backend/internal/middleware"
	"github.com/loomstudio/loom-backend/internal/observability"
	"github.com/loomstudio/loom-backend/internal/pipeline"
	"github.com/loomstudio/loom-backend/internal/render"
	"github.com/loomstudio/loom-backend/internal/repos"
	"github.com/loomstudio/loom-backend/internal/server"
	"github.com/loomstudio/loom-backend/internal/services"
	"github.com/loomstudio/loom-backend/internal/sse"
	"github.com/loomstudio/loom-backend/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)
	internalToken := utils.GetEnv("INTERNAL_CALLBACK_TOKEN", "", log)
	serverAddr := utils.GetEnv("SERVER_ADDR", ":8080", log)
	metricsAddr := utils.GetEnv("METRICS_ADDR", "", log)
	corsOrigins := utils.GetEnv("CORS_ALLOW_ORIGINS", "", log)
	pipelineConfig := utils.GetEnv("PIPELINE_CONFIG_PATH", "config/pipelines.yaml", log)

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "loom-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "", log),
	})

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	userTokenRepo := repos.NewUserTokenRepo(thePG, log)
	projectRepo := repos.NewProjectRepo(thePG, log)
	nodeRepo := repos.NewCanvasNodeRepo(thePG, log)
	edgeRepo := repos.NewNodeEdgeRepo(thePG, log)
	chatRepo := repos.NewChatMessageRepo(thePG, log)
	runRepo := repos.NewPipelineRunRepo(thePG, log)

	// Pipeline catalog
	catalog, err := pipeline.LoadCatalog(pipelineConfig)
	if err != nil {
		log.Error("Could not load pipeline config", "path", pipelineConfig, "error", err)
		os.Exit(1)
	}

	// Task adapters
	mux := pipeline.NewAdapterMux()
	genaiClient, err := genai.NewClient(log)
	if err != nil {
		log.Error("Could not init generation client", "error", err)
		os.Exit(1)
	}
	for _, taskType := range []string{"image.generate", "video.generate", "audio.generate"} {
		if err := mux.Register(taskType, genaiClient); err != nil {
			log.Error("adapter registration failed", "task_type", taskType, "error", err)
			os.Exit(1)
		}
	}
	if visionAdapter, err := gcp.NewVisionDescribeAdapter(log); err != nil {
		log.Warn("Vision adapter unavailable; image.describe tasks will fail", "error", err)
	} else if err := mux.Register("image.describe", visionAdapter); err != nil {
		log.Error("adapter registration failed", "task_type", "image.describe", "error", err)
		os.Exit(1)
	}
	if videoAdapter, err := gcp.NewVideoDescribeAdapter(log); err != nil {
		log.Warn("Video Intelligence adapter unavailable; video.describe tasks will fail", "error", err)
	} else if err := mux.Register("video.describe", videoAdapter); err != nil {
		log.Error("adapter registration failed", "task_type", "video.describe", "error", err)
		os.Exit(1)
	}
	if speechAdapter, err := gcp.NewSpeechTranscribeAdapter(log); err != nil {
		log.Warn("Speech adapter unavailable; audio.transcribe tasks will fail", "error", err)
	} else if err := mux.Register("audio.transcribe", speechAdapter); err != nil {
		log.Error("adapter registration failed", "task_type", "audio.transcribe", "error", err)
		os.Exit(1)
	}

	// SSE
	log.Info("Setting up SSE hub now...")
	sseHub := sse.NewSSEHub(log)
	var sseBus redisclient.SSEBus
	if bus, err := redisclient.NewSSEBus(log); err != nil {
		log.Warn("Redis SSE bus unavailable; events stay instance-local", "error", err)
	} else {
		sseBus = bus
		if err := sseBus.StartForwarder(ctx, sseHub.Broadcast); err != nil {
			log.Warn("Could not start Redis SSE forwarder", "error", err)
		}
		defer sseBus.Close()
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Error("Could not init BucketService", "error", err)
		os.Exit(1)
	}
	placeholderService, err := render.NewPlaceholderService(log)
	if err != nil {
		log.Error("Could not init PlaceholderService", "error", err)
		os.Exit(1)
	}
	notifierService := services.NewNotifierService(log, sseHub, sseBus)
	authService := services.NewAuthService(thePG, log, userRepo, userTokenRepo, jwtSecretKey,
		time.Duration(accessTokenTTL)*time.Second, time.Duration(refreshTokenTTL)*time.Second)
	userService := services.NewUserService(log, userRepo)
	projectService := services.NewProjectService(thePG, log, projectRepo, nodeRepo, edgeRepo)
	runnerService := services.NewRunnerService(log, catalog, mux, runRepo, nodeRepo, notifierService)
	nodeService := services.NewNodeService(thePG, log, nodeRepo, edgeRepo, projectRepo,
		runnerService, notifierService, bucketService, placeholderService)
	chatService := services.NewChatService(log, chatRepo, projectRepo, notifierService)

	go runnerService.StartPolling(ctx)

	// Metrics
	if metricsAddr != "" {
		observability.GetMetrics().StartServer(ctx, log, metricsAddr)
	}

	// Handlers
	log.Info("Setting up Handlers from main...")
	routerCfg := server.RouterConfig{
		AllowOrigins:       server.SplitOrigins(corsOrigins),
		AuthMiddleware:     middleware.NewAuthMiddleware(log, authService),
		InternalMiddleware: middleware.NewInternalAuthMiddleware(log, internalToken),
		AuthHandler:        handlers.NewAuthHandler(authService),
		UserHandler:        handlers.NewUserHandler(userService),
		ProjectHandler:     handlers.NewProjectHandler(projectService),
		NodeHandler:        handlers.NewNodeHandler(nodeService),
		PipelineHandler:    handlers.NewPipelineHandler(runnerService, runRepo, nodeRepo),
		ChatHandler:        handlers.NewChatHandler(chatService),
		SSEHandler:         handlers.NewSSEHandler(sseHub, projectRepo),
	}
	router := server.NewRouter(routerCfg)

	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("HTTP server listening", "addr", serverAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", "error", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutdownCtx); err != nil {
			log.Warn("otel shutdown failed", "error", err)
		}
	}
}
