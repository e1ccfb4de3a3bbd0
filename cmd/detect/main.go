package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"heliowatch/internal/cache"
	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/detector"
	"heliowatch/internal/models"
)

const maxWorkers = 50

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

	plants, err := db.GetAllPlants()
	if err != nil {
		log.Fatalf("Failed to get plants from database: %v", err)
	}
	if len(plants) == 0 {
		log.Fatalf("No plants found in database. Please run the seed script first.")
	}
	log.Printf("Found %d plants in database", len(plants))

	redisCfg := config.GetRedisConfig()
	redisClient := redis.NewClient(&redis.Options{
		Addr:     redisCfg.Addr,
		Password: redisCfg.Password,
		DB:       redisCfg.DB,
	})
	defer redisClient.Close()

	alerts := cache.NewAlertPublisher(redisClient, redisCfg.AlertStream)
	ml := &detector.MLStrategy{
		Client:  redisClient,
		Timeout: time.Duration(cfg.Detector.MLTimeoutSeconds) * time.Second,
	}
	det := detector.New(db, cfg, alerts, ml)

	log.Println("Running anomaly detection for all plants...")

	// Run detection once (the external scheduler handles cadence)
	runDetectionForAllPlants(plants, det, cfg.Detector.PeriodHours)

	log.Println("Detection run completed successfully")
}

// plantResult holds the detection outcome for a single plant
type plantResult struct {
	PlantID        string
	Result         models.DetectionResult
	Error          error
	ProcessingTime time.Duration
}

func runDetectionForAllPlants(plants []models.Plant, det *detector.Detector, periodHours int) {
	startTime := time.Now()

	numWorkers := maxWorkers
	if len(plants) < numWorkers {
		numWorkers = len(plants)
	}
	log.Printf("Running anomaly detection for %d plants with %d workers...", len(plants), numWorkers)

	jobs := make(chan models.Plant, len(plants))
	results := make(chan plantResult, len(plants))

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go worker(det, periodHours, jobs, results, &wg)
	}

	for _, plant := range plants {
		jobs <- plant
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	totalAnomalies := 0
	totalFlagged := 0
	totalErrors := 0
	plantCount := 0

	for r := range results {
		plantCount++

		if r.Error != nil {
			log.Printf("[%d/%d] %s: detection failed: %v (%.1fs)",
				plantCount, len(plants), r.PlantID, r.Error, r.ProcessingTime.Seconds())
			totalErrors++
			continue
		}

		for strategy, msg := range r.Result.StrategyErrors {
			log.Printf("[%d/%d] %s: strategy %s degraded: %s", plantCount, len(plants), r.PlantID, strategy, msg)
		}

		totalAnomalies += r.Result.AnomaliesDetected
		totalFlagged += r.Result.FlaggedReadings
		if r.Result.AnomaliesDetected > 0 {
			log.Printf("[%d/%d] %s: %d anomalies (%.1fs)",
				plantCount, len(plants), r.PlantID, r.Result.AnomaliesDetected, r.ProcessingTime.Seconds())
		} else {
			log.Printf("[%d/%d] %s: no anomalies (%.1fs)",
				plantCount, len(plants), r.PlantID, r.ProcessingTime.Seconds())
		}
	}

	totalDuration := time.Since(startTime)
	log.Printf("Detection complete in %.1f seconds", totalDuration.Seconds())
	log.Printf("  Plants: %d processed, %d errors", plantCount-totalErrors, totalErrors)
	log.Printf("  Anomalies: %d found", totalAnomalies)
	log.Printf("  Flagged readings: %d excluded", totalFlagged)
	log.Printf("  Workers: %d", numWorkers)
}

// worker processes plants from the jobs channel
func worker(det *detector.Detector, periodHours int, jobs <-chan models.Plant, results chan<- plantResult, wg *sync.WaitGroup) {
	defer wg.Done()

	for plant := range jobs {
		startTime := time.Now()
		result, err := det.Run(context.Background(), plant.ID, periodHours, nil)
		results <- plantResult{
			PlantID:        plant.ID,
			Result:         result,
			Error:          err,
			ProcessingTime: time.Since(startTime),
		}
	}
}
