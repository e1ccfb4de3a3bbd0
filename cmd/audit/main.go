package main

import (
	"context"
	"flag"
	"log"
	"time"

	"heliowatch/internal/audit"
	"heliowatch/internal/config"
	"heliowatch/internal/database"
)

func main() {
	plantID := flag.String("plant", "", "audit a single plant instead of all")
	periodDays := flag.Int("days", 30, "analysis period in days")
	flag.Parse()

	cfg, err := config.Load("./config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.NewDB(config.GetDatabaseDSN())
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	engine := audit.NewEngine(db, cfg)
	ctx := context.Background()

	var plantIDs []string
	if *plantID != "" {
		plantIDs = []string{*plantID}
	} else {
		plants, err := db.GetAllPlants()
		if err != nil {
			log.Fatalf("Failed to get plants: %v", err)
		}
		if len(plants) == 0 {
			log.Fatalf("No plants found in database. Please run the seed script first.")
		}
		for _, p := range plants {
			plantIDs = append(plantIDs, p.ID)
		}
	}

	startTime := time.Now()
	failures := 0
	for i, id := range plantIDs {
		a, err := engine.Run(ctx, id, *periodDays)
		if err != nil {
			log.Printf("[%d/%d] %s: audit failed: %v", i+1, len(plantIDs), id, err)
			failures++
			continue
		}

		log.Printf("[%d/%d] %s: %s, %.1f kWh recoverable (%.2f%%), %d findings, %d recommendations",
			i+1, len(plantIDs), id, a.OverallStatus,
			a.RecoverableKWh, a.RecoverablePercent, len(a.Findings), len(a.Recommendations))

		for _, c := range a.Categories {
			if !c.Evaluated {
				log.Printf("    %s not evaluated: %s", c.Category, c.Reason)
			}
		}
	}

	log.Printf("Audit run complete in %.1fs: %d plants, %d failures",
		time.Since(startTime).Seconds(), len(plantIDs)-failures, failures)
}
