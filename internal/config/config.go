// Package config
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port            string
	RedisNodes      []string
	CacheTTL        time.Duration
	FlushInterval   time.Duration
	RedisPoolSize   int
	AdminJWTSecret  string
	KafkaBrokers    []string
	KafkaFlushTopic string
}

func Load() Config {
	return Config{
		Port:            getEnv("PORT", "8080"),
		RedisNodes:      splitList(getEnv("REDIS_NODES", "redis://localhost:6379")),
		CacheTTL:        time.Duration(getEnvInt("CACHE_TTL_SECONDS", 50)) * time.Second,
		FlushInterval:   time.Duration(getEnvInt("FLUSH_INTERVAL_SECONDS", 30)) * time.Second,
		RedisPoolSize:   getEnvInt("REDIS_POOL_SIZE", 200),
		AdminJWTSecret:  os.Getenv("ADMIN_JWT_SECRET"),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaFlushTopic: getEnv("KAFKA_FLUSH_TOPIC", "visit-counter.flushes"),
	}
}

func getEnv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return fallback
	}
	return value
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}
