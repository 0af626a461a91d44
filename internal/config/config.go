// Package config reads service settings from the environment, after loading
// an optional .env file.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every setting of the service.
type Config struct {
	Port            int
	ReadTimeout     int
	WriteTimeout    int
	ShutdownTimeout int

	DBPath        string
	PolicyDir     string
	PlaybooksFile string

	ApprovalTTL    time.Duration
	WebhookTimeout time.Duration
	SinkTimeout    time.Duration

	KafkaBrokers []string
	KafkaTopic   string

	RequireAuth     bool
	RequireAgentKey bool
	JWTSecret       string
	AuthUsers       string
	TokenExpiration time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads .env files (missing files are ignored) and then the environment.
// Variables already set in the environment win over .env values.
func Load(envFiles ...string) Config {
	_ = godotenv.Load(envFiles...)
	return FromEnv()
}

// FromEnv reads the configuration from environment variables.
func FromEnv() Config {
	return Config{
		Port:            getEnvInt("PORT", 8080),
		ReadTimeout:     getEnvInt("READ_TIMEOUT", 30),
		WriteTimeout:    getEnvInt("WRITE_TIMEOUT", 30),
		ShutdownTimeout: getEnvInt("SHUTDOWN_TIMEOUT", 10),

		DBPath:        getEnv("DB_PATH", "./db/agentguard.db"),
		PolicyDir:     getEnv("POLICY_DIR", "./policies"),
		PlaybooksFile: getEnv("PLAYBOOKS_FILE", ""),

		ApprovalTTL:    getEnvDuration("APPROVAL_TTL", 15*time.Minute),
		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second),
		SinkTimeout:    getEnvDuration("SINK_TIMEOUT", 5*time.Second),

		KafkaBrokers: getEnvList("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", "agentguard.decisions"),

		RequireAuth:     getEnvBool("REQUIRE_AUTH", false),
		RequireAgentKey: getEnvBool("REQUIRE_AGENT_KEY", false),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		AuthUsers:       getEnv("AUTH_USERS", ""),
		TokenExpiration: getEnvDuration("TOKEN_EXPIRATION", 24*time.Hour),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}
}

// SinkEnabled reports whether a Kafka sink is configured.
func (c Config) SinkEnabled() bool {
	return len(c.KafkaBrokers) > 0 && c.KafkaTopic != ""
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
