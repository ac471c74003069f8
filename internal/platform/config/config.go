package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Kafka captures consumer and dead-letter producer configuration.
type Kafka struct {
	Brokers         string
	GroupID         string
	Topics          []string
	DeadLetterTopic string
}

// Redis captures cache configuration.
type Redis struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CacheTTL     time.Duration
}

// Indexer captures all service level configuration.
type Indexer struct {
	Addr        string
	Environment string
	DatabaseURL string
	Kafka       Kafka
	Redis       Redis

	// PendingTTL bounds how long a revoke or registration event may wait
	// for its prerequisite mint before being counted as an anomaly.
	PendingTTL time.Duration
	// PendingSweepInterval is how often expired pending events are collected.
	PendingSweepInterval time.Duration
}

// FromEnv builds an Indexer config from environment variables so main stays lean.
func FromEnv() Indexer {
	addr := os.Getenv("CREDINDEX_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	env := os.Getenv("CREDINDEX_ENV")
	if env == "" {
		env = "development"
	}

	topics := strings.Split(envOr("KAFKA_TOPICS", "chain.credential.events"), ",")
	for i := range topics {
		topics[i] = strings.TrimSpace(topics[i])
	}

	return Indexer{
		Addr:        addr,
		Environment: env,
		DatabaseURL: os.Getenv("DATABASE_URL"),
		Kafka: Kafka{
			Brokers:         os.Getenv("KAFKA_BROKERS"),
			GroupID:         envOr("KAFKA_GROUP_ID", "credindex"),
			Topics:          topics,
			DeadLetterTopic: envOr("KAFKA_DEAD_LETTER_TOPIC", "chain.credential.events.dlq"),
		},
		Redis: Redis{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  envDuration("REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  envDuration("REDIS_READ_TIMEOUT", 3*time.Second),
			WriteTimeout: envDuration("REDIS_WRITE_TIMEOUT", 3*time.Second),
			CacheTTL:     envDuration("QUERY_CACHE_TTL", 30*time.Second),
		},
		PendingTTL:           envDuration("PENDING_TTL", 24*time.Hour),
		PendingSweepInterval: envDuration("PENDING_SWEEP_INTERVAL", time.Minute),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
