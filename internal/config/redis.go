package config

import (
	"os"
	"strconv"
)

type RedisConfig struct {
	Addr            string
	Password        string
	DB              int
	AlertStream     string
	TelemetryStream string
}

func GetRedisConfig() RedisConfig {
	db := 0
	if dbStr := os.Getenv("REDIS_DB"); dbStr != "" {
		if parsed, err := strconv.Atoi(dbStr); err == nil {
			db = parsed
		}
	}

	return RedisConfig{
		Addr:            getEnv("REDIS_ADDR", "localhost:6379"),
		Password:        os.Getenv("REDIS_PASSWORD"),
		DB:              db,
		AlertStream:     getEnv("REDIS_ALERT_STREAM", "alerts"),
		TelemetryStream: getEnv("REDIS_TELEMETRY_STREAM", "telemetry_ingest"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
