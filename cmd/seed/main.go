package main

import (
	"encoding/csv"
	"encoding/json"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"heliowatch/internal/config"
	"heliowatch/internal/database"
	"heliowatch/internal/models"
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

	seedPlants(db, "plants_seed.csv")
	seedTwinConfigs(db, "twin_configs")
}

// seedPlants imports plants from a CSV of id,name,latitude,longitude[,tariff_kwh]
func seedPlants(db *database.DB, csvPath string) {
	file, err := os.Open(csvPath)
	if err != nil {
		log.Fatalf("Failed to open CSV file: %v", err)
	}
	defer file.Close()

	reader := csv.NewReader(file)

	header, err := reader.Read()
	if err != nil {
		log.Fatalf("Failed to read CSV header: %v", err)
	}
	log.Printf("CSV Header: %v\n", header)

	count := 0
	skipped := 0

	for {
		record, err := reader.Read()
		if err != nil {
			if err == io.EOF {
				break
			}
			log.Fatalf("Failed to read CSV record: %v", err)
		}

		if len(record) < 4 {
			log.Printf("Skipping invalid record: %v", record)
			skipped++
			continue
		}

		latitude, err := strconv.ParseFloat(record[2], 64)
		if err != nil {
			log.Printf("Skipping record with invalid latitude: %v", record)
			skipped++
			continue
		}
		longitude, err := strconv.ParseFloat(record[3], 64)
		if err != nil {
			log.Printf("Skipping record with invalid longitude: %v", record)
			skipped++
			continue
		}

		plant := models.Plant{
			ID:        record[0],
			Name:      record[1],
			Latitude:  latitude,
			Longitude: longitude,
		}
		if len(record) >= 5 && record[4] != "" {
			if tariff, err := strconv.ParseFloat(record[4], 64); err == nil {
				plant.TariffKWh = &tariff
			}
		}

		if err := db.InsertPlant(plant); err != nil {
			if strings.Contains(err.Error(), "Duplicate entry") {
				log.Printf("Plant already exists: %s", plant.ID)
			} else {
				log.Printf("Failed to insert plant %s: %v", plant.ID, err)
			}
			skipped++
			continue
		}

		count++
		if count%100 == 0 {
			log.Printf("Inserted %d plants...", count)
		}
	}

	log.Printf("Plant import complete! Successfully inserted %d plants, skipped %d", count, skipped)
}

// seedTwinConfigs imports twin configurations from a directory of JSON
// files, one per plant. Each import appends a new active version.
func seedTwinConfigs(db *database.DB, dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("No twin config directory %s, skipping", dir)
			return
		}
		log.Fatalf("Failed to read twin config directory: %v", err)
	}

	count := 0
	skipped := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			log.Printf("Failed to read %s: %v", entry.Name(), err)
			skipped++
			continue
		}

		var cfg models.DigitalTwinConfig
		if err := json.Unmarshal(data, &cfg); err != nil {
			log.Printf("Failed to parse %s: %v", entry.Name(), err)
			skipped++
			continue
		}

		if err := database.ValidateTwinConfig(cfg); err != nil {
			log.Printf("Rejecting %s: %v", entry.Name(), err)
			skipped++
			continue
		}

		version, err := db.InsertTwinConfig(cfg)
		if err != nil {
			log.Printf("Failed to insert twin config for %s: %v", cfg.PlantID, err)
			skipped++
			continue
		}

		log.Printf("Imported twin config for %s (version %d)", cfg.PlantID, version)
		count++
	}

	log.Printf("Twin config import complete! Imported %d configs, skipped %d", count, skipped)
}
