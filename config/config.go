package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"

	"cardgate-api/database"
)

type Config struct {
	Server    ServerConfig
	Gateway   GatewayConfig
	Processor ProcessorConfig
	Redis     RedisConfig
	Database  database.DatabaseConfig
	Session   SessionConfig
	Notify    NotifyConfig
}

// NotifyConfig configures the async merchant notification jobs. An empty
// webhook URL disables them.
type NotifyConfig struct {
	WebhookURL string
}

// GatewayConfig controls merchant token verification. Mode "remote"
// verifies against the external merchant-auth service; mode "static"
// validates self-issued JWTs (dev and test deployments).
type GatewayConfig struct {
	Mode           string
	BaseURL        string
	JWTSecret      string
	JWTIssuer      string
	InternalSecret string
}

type ProcessorConfig struct {
	BaseURL string
}

type ServerConfig struct {
	Port string
}

type RedisConfig struct {
	URL               string
	WorkerConcurrency int
}

// SessionConfig holds the key for the signed page session cookie.
type SessionConfig struct {
	CookieSecret string
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: Error loading .env file: %v", err)
	}

	// Default worker concurrency
	workerConcurrency := 2

	cfg := &Config{
		Server: ServerConfig{
			Port: os.Getenv("SERVER_PORT"),
		},
		Gateway: GatewayConfig{
			Mode:           os.Getenv("GATEWAY_MODE"),
			BaseURL:        os.Getenv("GATEWAY_BASE_URL"),
			JWTSecret:      os.Getenv("GATEWAY_JWT_SECRET"),
			JWTIssuer:      os.Getenv("GATEWAY_JWT_ISSUER"),
			InternalSecret: os.Getenv("INTERNAL_API_SECRET"),
		},
		Processor: ProcessorConfig{
			BaseURL: os.Getenv("PROCESSOR_BASE_URL"),
		},
		Redis: RedisConfig{
			URL:               os.Getenv("REDIS_URL"),
			WorkerConcurrency: workerConcurrency,
		},
		Database: database.DatabaseConfig{
			Host:     os.Getenv("DB_HOST"),
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			DBName:   os.Getenv("DB_NAME"),
		},
		Session: SessionConfig{
			CookieSecret: os.Getenv("SESSION_COOKIE_SECRET"),
		},
		Notify: NotifyConfig{
			WebhookURL: os.Getenv("NOTIFY_WEBHOOK_URL"),
		},
	}

	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Gateway.Mode == "" {
		cfg.Gateway.Mode = "remote"
	}
	if cfg.Gateway.JWTIssuer == "" {
		cfg.Gateway.JWTIssuer = "cardgate"
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://localhost:6379/0"
		log.Printf("Warning: REDIS_URL not set, using default: %s", cfg.Redis.URL)
	}

	return cfg
}
