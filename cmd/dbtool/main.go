package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/billing-engine/internal/config"
	"github.com/PortNumber53/billing-engine/internal/logging"
	"github.com/PortNumber53/billing-engine/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dsn, err := config.LoadDatabaseURL()
	if err != nil {
		logger.Fatalf("failed to load configuration: %v", err)
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Fatalf("failed to ping database: %v", err)
	}

	if len(os.Args) < 2 {
		logger.Info("applying migrations")
		if err := migrations.Up(db, logger); err != nil {
			logger.Fatalf("failed to apply migrations: %v", err)
		}
		logger.Info("migrations applied successfully")
		return
	}

	switch os.Args[1] {
	case "fix":
		logger.Info("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			logger.Fatalf("failed to fix dirty database: %v", err)
		}
		logger.Info("database fixed successfully")

	case "force":
		if len(os.Args) < 3 {
			logger.Fatalf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			logger.Fatalf("invalid version number: %s", os.Args[2])
		}

		logger.Infof("forcing database version to %d", v)
		if err := migrations.ForceVersion(db, v); err != nil {
			logger.Fatalf("failed to force version: %v", err)
		}
		logger.Infof("database version forced to %d", v)

	case "status":
		status, err := migrations.CurrentStatus(db)
		if err != nil {
			logger.Fatalf("failed to read migration status: %v", err)
		}
		logger.WithFields(logrus.Fields{
			"version": status.Version,
			"dirty":   status.Dirty,
			"fresh":   status.Fresh,
		}).Info("migration status")

	default:
		logger.Errorf("usage: %s [fix|force <version>|status]", os.Args[0])
		os.Exit(1)
	}
}
