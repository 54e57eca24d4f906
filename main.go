package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/lorastudio/backend/config"
	"github.com/lorastudio/backend/handlers"
	"github.com/lorastudio/backend/middleware"
	"github.com/lorastudio/backend/monitor"
	"github.com/lorastudio/backend/notifier"
	"github.com/lorastudio/backend/orchestrator"
	"github.com/lorastudio/backend/replicate"
	"github.com/lorastudio/backend/repository"
	"github.com/lorastudio/backend/storage"
	"github.com/lorastudio/backend/worker"
)

func main() {
	port := flag.String("port", "", "Server port (overrides PORT)")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting LoRA training backend")

	// Initialize configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to initialize configuration: %v", err)
	}
	defer cfg.Close()
	if *port != "" {
		cfg.Port = *port
	}

	repo := repository.NewRepository(cfg.DB)

	blobs, err := storage.NewMinIOClient(storage.MinIOConfig{
		Endpoint:      cfg.MinIOEndpoint,
		AccessKey:     cfg.MinIOAccessKey,
		SecretKey:     cfg.MinIOSecretKey,
		UseSSL:        cfg.MinIOUseSSL,
		PublicBaseURL: cfg.StoragePublicURL,
	}, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize storage client: %v", err)
	}

	trainer := replicate.NewClient(replicate.Config{
		BaseURL:        cfg.ReplicateBaseURL,
		Token:          cfg.ReplicateToken,
		TrainerVersion: cfg.TrainerVersion,
	}, logger)

	mailer := notifier.NewResendClient(cfg.ResendAPIKey, cfg.MailFrom)
	notif := notifier.New(repo, mailer, cfg.AppURL, logger)

	pool := worker.NewPool(cfg.WorkerCount, cfg.QueueDepth, logger)
	pool.Start()

	orc := orchestrator.New(repo, blobs, trainer, notif, pool, orchestrator.Settings{
		ModelOwner:   cfg.ReplicateUsername,
		ModelName:    cfg.ModelName,
		Hardware:     cfg.Hardware,
		InputBucket:  cfg.InputBucket,
		OutputBucket: cfg.OutputBucket,
		PollInterval: cfg.PollInterval,
		MaxDuration:  cfg.MaxTrainingDuration,
	}, logger)

	sweeper := monitor.NewStaleJobMonitor(repo, cfg.MaxTrainingDuration, time.Minute, logger)
	sweeper.Start()

	handler := handlers.NewHandler(repo, orc, notif, logger)

	// Setup Gin router
	router := gin.Default()
	router.Use(middleware.CORSMiddleware())

	// Health check (no auth required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	// API routes
	api := router.Group("/api/v1")
	{
		train := api.Group("/train")
		train.Use(middleware.AuthMiddleware())
		{
			train.POST("", handler.StartTraining)
			train.GET("/status", handler.GetTrainingStatus)
		}

		// Provider callback; authenticated by signature, not by user
		api.POST("/webhooks/replicate",
			middleware.WebhookSignatureMiddleware(cfg.WebhookSecret, logger),
			handler.ReplicateWebhook)
	}

	// Create HTTP server with proper configuration
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("Starting server on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	// Graceful shutdown with 10-second timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	sweeper.Stop()
	pool.Stop()
	cfg.Close()
	logger.Info("Server stopped gracefully")
}
