package main

import (
	"log"
	"time"

	"github.com/go-redis/redis/v8"

	"heliowatch/internal/audit"
	"heliowatch/internal/cache"
	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/detector"
	"heliowatch/internal/gap"
	"heliowatch/internal/rca"
	"heliowatch/internal/server"
	"heliowatch/internal/twin"
	"heliowatch/internal/weather"
)

const cacheTTL = 15 * time.Minute

func main() {
	cfg, err := config.Load("./config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDB(config.GetDatabaseDSN())
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	redisCfg := config.GetRedisConfig()
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer redisClient.Close()

	resultCache := cache.New(redisClient, cacheTTL)
	alerts := cache.NewAlertPublisher(redisClient, redisCfg.AlertStream)

	forecaster := twin.NewForecaster(db, resultCache)
	gaps := gap.NewAnalyzer(db, resultCache, alerts, cfg)
	ml := &detector.MLStrategy{
		Client:  redisClient,
		Timeout: time.Duration(cfg.Detector.MLTimeoutSeconds) * time.Second,
	}
	det := detector.New(db, cfg, alerts, ml)
	rootCause := rca.NewAnalyzer(db)
	auditor := audit.NewEngine(db, cfg)
	weatherClient := weather.NewClient()

	httpServer := server.NewServer(db, forecaster, gaps, det, rootCause, auditor, weatherClient)

	log.Println("Starting server on :8080")
	if err := httpServer.Start(":8080"); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
