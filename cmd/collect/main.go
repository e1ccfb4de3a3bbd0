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
	"heliowatch/internal/models"
	"heliowatch/internal/twin"
	"heliowatch/internal/weather"
)

const (
	pastDays = 2
	cacheTTL = 15 * time.Minute
)

func main() {
	if _, err := config.Load("./config.yaml"); err != nil {
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

	plants, err := db.GetAllPlants()
	if err != nil {
		log.Fatalf("Failed to get plants: %v", err)
	}
	if len(plants) == 0 {
		log.Fatalf("No plants found in database. Please run the seed script first.")
	}

	forecaster := twin.NewForecaster(db, cache.New(redisClient, cacheTTL))
	client := weather.NewClient()

	var wg sync.WaitGroup
	for _, plant := range plants {
		wg.Add(1)
		go func(p models.Plant) {
			defer wg.Done()
			refreshPlant(db, forecaster, client, p)
		}(plant)
	}

	wg.Wait()
	log.Printf("Baseline refresh completed. Exiting")
}

// refreshPlant fetches hourly weather for the plant's site and
// recomputes the baseline for each sample.
func refreshPlant(db *database.DB, forecaster *twin.Forecaster, client *weather.Client, plant models.Plant) {
	ctx := context.Background()

	samples, err := client.GetHourlySamples(ctx, plant.Latitude, plant.Longitude, pastDays)
	if err != nil {
		log.Printf("Failed to fetch weather for %s: %v", plant.ID, err)
		return
	}

	computed := 0
	for _, s := range samples {
		sample := toWeatherSample(s)
		if _, err := forecaster.Calculate(ctx, plant.ID, s.Timestamp, sample); err != nil {
			log.Printf("Failed to compute baseline for %s at %s: %v", plant.ID, s.Timestamp, err)
			continue
		}
		computed++
	}

	log.Printf("Refreshed %d/%d baselines for %s", computed, len(samples), plant.ID)
}

// toWeatherSample converts an hourly weather point into the model's
// optional-field form.
func toWeatherSample(h weather.HourlySample) *models.WeatherSample {
	irr := h.IrradianceWm2
	temp := h.AmbientTempC
	return &models.WeatherSample{
		IrradianceWm2: &irr,
		AmbientTempC:  &temp,
	}
}
