package main

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log"
	"log/slog"

	"gorm.io/gorm/clause"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/config"
	"github.com/ollivr/soketi/internal/database"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting database seeding...")

	db, err := database.NewPostgresConnection(cfg.AppManager.PostgresDSN)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	slog.Info("Database connection established")

	manager := apps.NewGormAppManager(db)
	if err := manager.Migrate(); err != nil {
		log.Fatal("Failed to migrate apps table:", err)
	}

	demoWebhooks, _ := json.Marshal([]apps.Webhook{
		{URL: "http://localhost:3000/webhooks", EventTypes: []string{"member_added", "member_removed"}},
	})

	records := []apps.AppRecord{
		{
			ID:                   "demo-app",
			Key:                  "demo-key",
			Secret:               randomSecret(),
			Enabled:              true,
			MaxConnections:       1000,
			EnableClientMessages: true,
			Webhooks:             demoWebhooks,
		},
		{
			ID:             "load-test",
			Key:            "load-test-key",
			Secret:         randomSecret(),
			Enabled:        true,
			MaxConnections: 10000,
		},
	}

	for _, record := range records {
		// Existing apps keep their secrets; re-running the seed is safe.
		err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record).Error
		if err != nil {
			slog.Warn("Failed to seed app", "id", record.ID, "error", err)
			continue
		}
		slog.Info("Seeded app", "id", record.ID, "key", record.Key)
	}

	slog.Info("Database seeding completed successfully!")
}

func randomSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		log.Fatal("Failed to generate secret:", err)
	}
	return hex.EncodeToString(buf)
}
