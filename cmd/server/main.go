package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cognitive-traces/internal/config"
	"cognitive-traces/internal/handler"
	"cognitive-traces/internal/metrics"
	"cognitive-traces/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yml"
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	// Initialize logger
	var logger *zap.Logger
	if cfg.Server.Development {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	logger.Info("Starting Cognitive Traces Service...",
		zap.String("config", configPath),
		zap.String("storage", cfg.Storage.Type))

	metrics.InitMetrics()

	// Initialize storage
	st, err := cfg.OpenStore(logger)
	if err != nil {
		logger.Fatal("Failed to initialize storage", zap.Error(err))
	}
	defer st.Close()

	embedder, err := cfg.NewEmbedder(logger)
	if err != nil {
		logger.Fatal("Failed to initialize embedder", zap.Error(err))
	}

	// Initialize service
	annotator := service.NewAnnotator(st, service.Options{
		LLM:           cfg.LLM,
		FlagThreshold: cfg.Review.FlagThreshold,
		Embedder:      embedder,
	}, logger)

	// Initialize HTTP handler
	apiHandler := handler.NewHandler(annotator, logger)

	// Setup Gin router
	if !cfg.Server.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()

	// Add CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	// Register routes
	apiHandler.RegisterRoutes(router)

	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Cognitive Traces Service is running",
		zap.String("port", cfg.Server.Port),
		zap.String("analyst_model", cfg.LLM.AnalystModel),
		zap.String("critic_model", cfg.LLM.CriticModel),
		zap.String("judge_model", cfg.LLM.JudgeModel))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Running jobs stop at their next session boundary and keep their checkpoints.
	jobCtx, jobCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer jobCancel()

	if err := annotator.Shutdown(jobCtx); err != nil {
		logger.Warn("Jobs still running at exit; they resume from their checkpoints", zap.Error(err))
	}

	logger.Info("Server exited")
}
