package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Config holds all configuration for the backend
type Config struct {
	Port        string
	DatabaseURL string

	// Object storage
	MinIOEndpoint    string
	MinIOAccessKey   string
	MinIOSecretKey   string
	MinIOUseSSL      bool
	StoragePublicURL string
	InputBucket      string
	OutputBucket     string

	// Remote training provider
	ReplicateBaseURL  string
	ReplicateToken    string
	ReplicateUsername string
	ModelName         string
	Hardware          string
	TrainerVersion    string

	// Notifications
	ResendAPIKey string
	MailFrom     string
	AppURL       string

	// Webhook signing
	WebhookSecret string

	// Orchestration
	PollInterval        time.Duration
	MaxTrainingDuration time.Duration
	WorkerCount         int
	QueueDepth          int

	// Database
	DB *gorm.DB
}

// Load builds the configuration from the environment and opens the database.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnvOrDefault("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),

		MinIOEndpoint:    getEnvOrDefault("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:   os.Getenv("MINIO_ACCESS_KEY"),
		MinIOSecretKey:   os.Getenv("MINIO_SECRET_KEY"),
		MinIOUseSSL:      os.Getenv("MINIO_USE_SSL") == "true",
		StoragePublicURL: os.Getenv("STORAGE_PUBLIC_URL"),
		InputBucket:      getEnvOrDefault("INPUT_BUCKET", "input-lora"),
		OutputBucket:     getEnvOrDefault("OUTPUT_BUCKET", "output-lora"),

		ReplicateBaseURL:  os.Getenv("REPLICATE_API_URL"),
		ReplicateToken:    os.Getenv("REPLICATE_API_KEY"),
		ReplicateUsername: os.Getenv("REPLICATE_USERNAME"),
		ModelName:         getEnvOrDefault("MODEL_NAME", "api_train_lora"),
		Hardware:          getEnvOrDefault("TRAINING_HARDWARE", "gpu-a100-large"),
		TrainerVersion:    os.Getenv("TRAINER_VERSION"),

		ResendAPIKey: os.Getenv("RESEND_API_KEY"),
		MailFrom:     getEnvOrDefault("MAIL_FROM", "AI Image Generator <noreply@example.com>"),
		AppURL:       getEnvOrDefault("APP_URL", "http://localhost:3000"),

		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),

		PollInterval:        getEnvDuration("POLL_INTERVAL", 10*time.Second),
		MaxTrainingDuration: getEnvDuration("MAX_TRAINING_DURATION", 6*time.Hour),
		WorkerCount:         getEnvInt("WORKER_COUNT", 4),
		QueueDepth:          getEnvInt("QUEUE_DEPTH", 16),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if err := cfg.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	log.Println("Configuration initialized successfully")
	return cfg, nil
}

// initDatabase initializes the database connection with optimized settings
func (c *Config) initDatabase() error {
	db, err := gorm.Open(postgres.Open(c.DatabaseURL), &gorm.Config{
		// Optimize query performance
		PrepareStmt: true,
		// Skip default transaction for better performance
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	// Configure connection pooling for better performance
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database handle: %w", err)
	}

	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	// Auto-migrate database schema
	if err := db.AutoMigrate(&TrainingJob{}, &User{}); err != nil {
		return fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	c.DB = db
	log.Println("Database initialized successfully with optimized settings")
	return nil
}

// Close closes all connections
func (c *Config) Close() {
	if c.DB != nil {
		sqlDB, err := c.DB.DB()
		if err == nil {
			sqlDB.Close()
		}
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		log.Printf("Invalid integer for %s, using default %d", key, defaultValue)
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		log.Printf("Invalid duration for %s, using default %s", key, defaultValue)
	}
	return defaultValue
}
