package main

import (
	"log"
	"log/slog"

	"github.com/ollivr/soketi/internal/apps"
	"github.com/ollivr/soketi/internal/config"
	"github.com/ollivr/soketi/internal/database"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting database migration...")

	db, err := database.NewPostgresConnection(cfg.AppManager.PostgresDSN)
	if err != nil {
		log.Fatal("Failed to connect to database:", err)
	}

	slog.Info("Database connection established")

	manager := apps.NewGormAppManager(db)
	if err := manager.Migrate(); err != nil {
		log.Fatal("Failed to migrate apps table:", err)
	}

	slog.Info("Database migration completed successfully!")
}
