package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthHMACSecret string

	// Engine knobs.
	GraderConcurrency int           // parallel grading jobs per replica
	GraderBudget      time.Duration // wall-clock budget per grading job
	CacheShards       int           // buckets for user-keyed cache namespaces

	AnalyticsDrainInterval time.Duration // queue -> fast-store counters
	AnalyticsFlushInterval time.Duration // fast-store counters -> durable store
	TimedOutPollInterval   time.Duration

	CORSOrigins []string
}

func FromEnv() Config {
	addr := envOr("HTTP_ADDR", ":8080")
	return Config{
		HTTPAddr:  addr,
		PublicURL: os.Getenv("PUBLIC_URL"),

		DBDriver: envOr("DB_DRIVER", "sqlite"),
		DBDSN:    envOr("DB_DSN", ""),

		RedisAddr:     envOr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       envInt("REDIS_DB", 0),

		AuthHMACSecret: envOr("AUTH_HMAC_SECRET", "supersecret-dev-key"),

		GraderConcurrency: envInt("GRADER_CONCURRENCY", 4),
		GraderBudget:      envDuration("GRADER_BUDGET", 20*time.Second),
		CacheShards:       envInt("CACHE_SHARDS", 8),

		AnalyticsDrainInterval: envDuration("ANALYTICS_DRAIN_INTERVAL", 5*time.Second),
		AnalyticsFlushInterval: envDuration("ANALYTICS_FLUSH_INTERVAL", time.Minute),
		TimedOutPollInterval:   envDuration("TIMED_OUT_POLL_INTERVAL", 2*time.Second),

		CORSOrigins: csvOr("CORS_ORIGINS", "http://localhost:3000"),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
