package db

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"fleet-hos-engine/config"
	"fleet-hos-engine/internal/model"
)

// Init opens the on-device store and runs migrations.
func Init(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	if cfg.Driver == "sqlite" || cfg.Driver == "" {
		// A single writer keeps SQLite happy and matches the engine's
		// one-logical-writer-per-device model.
		sqlDB.SetMaxOpenConns(1)
		if err := applyDurabilityPragmas(db); err != nil {
			return nil, err
		}
	} else {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetConnMaxLifetime(time.Duration(cfg.ConnMaxLifetimeMinutes) * time.Minute)
	}

	log.Println("Running database migrations...")
	if err := Migrate(db); err != nil {
		return nil, fmt.Errorf("automigrate failed: %w", err)
	}

	log.Println("Database initialization complete.")
	return db, nil
}

// Migrate runs schema migrations for every engine table. Split out so
// tests can migrate in-memory databases directly.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&model.DutyStatusEvent{},
		&model.DutyStatusEventArchive{},
		&model.ShiftSession{},
		&model.QuarantinedEntry{},
		&model.ComplianceGap{},
		&model.SyncQueueItem{},
		&model.ConflictRecord{},
		&model.AlertSubscription{},
	)
}

// applyDurabilityPragmas configures SQLite for write-ahead durability: an
// append must be on stable storage before it is acknowledged to callers.
func applyDurabilityPragmas(db *gorm.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if err := db.Exec(pragma).Error; err != nil {
			return fmt.Errorf("pragma failed on %q: %w", pragma, err)
		}
	}
	return nil
}
