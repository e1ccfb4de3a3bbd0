package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"

	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/models"
)

// telemetryBatch is the wire form monitoring gateways publish to the
// ingest stream: one plant, many readings.
type telemetryBatch struct {
	PlantID  string                    `json:"plant_id"`
	Readings []models.TelemetryReading `json:"readings"`
}

func main() {
	if _, err := config.Load("./config.yaml"); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	redisCfg := config.GetRedisConfig()
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer redisClient.Close()

	db, err := database.NewDB(config.GetDatabaseDSN())
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	consumerGroup := "telemetry_consumers"
	consumerName := "consumer-1"
	stream := redisCfg.TelemetryStream

	// Create consumer group if it doesn't exist
	err = redisClient.XGroupCreate(context.Background(), stream, consumerGroup, "0").Err()
	if err != nil && err.Error() != "BUSYGROUP Consumer Group name already exists" {
		log.Fatalf("Failed to create consumer group: %v", err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-quit
		log.Println("Shutting down ingest service...")
		cancel()
	}()

	log.Println("Telemetry ingest started, reading from Redis stream. Press Ctrl+C to stop...")

	for {
		msgs, err := redisClient.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    consumerGroup,
			Consumer: consumerName,
			Streams:  []string{stream, ">"},
			Count:    10,
			Block:    time.Second * 5,
		}).Result()

		if ctx.Err() != nil {
			break
		}

		if err != nil && err != redis.Nil {
			log.Printf("Error reading from Redis: %v", err)
			continue
		}

		for _, msg := range msgs {
			for _, m := range msg.Messages {
				if ctx.Err() != nil {
					log.Println("Ingest service stopped")
					return
				}

				dataStr, ok := m.Values["data"].(string)
				if !ok {
					log.Printf("Skipping message %s with no data field", m.ID)
					redisClient.XAck(context.Background(), stream, consumerGroup, m.ID)
					continue
				}

				var batch telemetryBatch
				if err := json.Unmarshal([]byte(dataStr), &batch); err != nil {
					log.Printf("Failed to unmarshal message %s: %v", m.ID, err)
					continue
				}

				stored, flagged := storeBatch(db, batch)
				log.Printf("Stored %d readings for %s (%d flagged invalid)", stored, batch.PlantID, flagged)

				redisClient.XAck(context.Background(), stream, consumerGroup, m.ID)
			}
		}
	}

	log.Println("Ingest service stopped")
}

// storeBatch persists the batch's valid readings. Invalid readings are
// dropped with a count, never coerced.
func storeBatch(db *database.DB, batch telemetryBatch) (stored, flagged int) {
	valid := make([]models.TelemetryReading, 0, len(batch.Readings))
	for _, r := range batch.Readings {
		if r.PlantID == "" {
			r.PlantID = batch.PlantID
		}
		if !r.Valid() {
			flagged++
			continue
		}
		valid = append(valid, r)
	}

	if len(valid) == 0 {
		return 0, flagged
	}
	if err := db.InsertTelemetryBatch(valid); err != nil {
		log.Printf("Failed to store telemetry for %s: %v", batch.PlantID, err)
		return 0, flagged
	}
	return len(valid), flagged
}
