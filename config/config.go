package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DB          DBConfig
	Redis       RedisConfig
	Arbitration ArbitrationConfig
	Triage      TriageConfig
	Server      ServerConfig
	Auth        AuthConfig
	Log         LogConfig
}

type DBConfig struct {
	URL string
}

type RedisConfig struct {
	// Addr enables the Redis-backed triage rate limiter when set; empty
	// selects the in-memory limiter.
	Addr string
}

type ArbitrationConfig struct {
	Quorum             int
	EscalationMax      int
	EscalationCooldown time.Duration
	StartPaused        bool
}

type TriageConfig struct {
	RateLimit          int
	ClassifierEndpoint string
	ClassifierTimeout  time.Duration
	ClassifierRetries  int
	ClassifierBackoff  time.Duration
	FallbackDisabled   bool
}

type ServerConfig struct {
	Port           int
	OutboxInterval time.Duration
}

type AuthConfig struct {
	JWTSecret string
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		DB: DBConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr: getEnv("REDIS_ADDR", ""),
		},
		Arbitration: ArbitrationConfig{
			Quorum:             getEnvInt("ARBITRATION_QUORUM", 3),
			EscalationMax:      getEnvInt("ESCALATION_MAX", 2),
			EscalationCooldown: time.Duration(getEnvInt("ESCALATION_COOLDOWN_HOURS", 24)) * time.Hour,
			StartPaused:        getEnvBool("ARBITRATION_START_PAUSED", false),
		},
		Triage: TriageConfig{
			RateLimit:          getEnvInt("TRIAGE_RATE_LIMIT", 10),
			ClassifierEndpoint: getEnv("CLASSIFIER_ENDPOINT", ""),
			ClassifierTimeout:  time.Duration(getEnvInt("CLASSIFIER_TIMEOUT_SEC", 10)) * time.Second,
			ClassifierRetries:  getEnvInt("CLASSIFIER_RETRIES", 2),
			ClassifierBackoff:  time.Duration(getEnvInt("CLASSIFIER_BACKOFF_MS", 200)) * time.Millisecond,
			FallbackDisabled:   getEnvBool("CLASSIFIER_FALLBACK_DISABLED", false),
		},
		Server: ServerConfig{
			Port:           getEnvInt("HTTP_PORT", 8080),
			OutboxInterval: time.Duration(getEnvInt("OUTBOX_INTERVAL_MS", 2000)) * time.Millisecond,
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.DB.URL == "" {
		return fmt.Errorf("config: DATABASE_URL is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	if c.Arbitration.Quorum <= 0 {
		return fmt.Errorf("config: ARBITRATION_QUORUM must be positive")
	}
	if c.Arbitration.EscalationMax <= 0 {
		return fmt.Errorf("config: ESCALATION_MAX must be positive")
	}
	if c.Triage.RateLimit <= 0 {
		return fmt.Errorf("config: TRIAGE_RATE_LIMIT must be positive")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getEnvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
