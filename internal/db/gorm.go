package db

import (
	"fmt"
	"log"

	"github.com/betomoedano/sketch-app/internal/config"
	"github.com/betomoedano/sketch-app/internal/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// GormDB wraps the GORM database instance
type GormDB struct {
	*gorm.DB
}

// NewGorm opens the database selected by cfg.DBDriver and migrates the schema.
// Learning: the same models run on Postgres in production and on SQLite for
// single-node setups and tests; GORM hides the dialect differences.
func NewGorm(cfg *config.Config) (*GormDB, error) {
	var dialector gorm.Dialector
	switch cfg.DBDriver {
	case "sqlite":
		dialector = sqlite.Open(cfg.SQLitePath)
	default:
		dialector = postgres.Open(cfg.DatabaseURL())
	}

	level := logger.Warn
	if cfg.DBLogSQL {
		level = logger.Info // Shows SQL queries for learning
	}
	return open(dialector, level)
}

// NewSQLite opens a SQLite database at dsn, e.g. "file::memory:?cache=shared".
func NewSQLite(dsn string) (*GormDB, error) {
	return open(sqlite.Open(dsn), logger.Silent)
}

func open(dialector gorm.Dialector, level logger.LogLevel) (*GormDB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(level),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if db.Dialector.Name() == "sqlite" {
		// One writer at a time; seq assignment relies on serialized transactions.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}

	// Learning: GORM automatically creates/updates tables based on struct definitions
	if err := db.AutoMigrate(
		&models.ElementRecord{},
		&models.ChangeRecord{},
		&models.CanvasCursor{},
	); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	log.Printf("✓ Database (%s) connected and migrated successfully", db.Dialector.Name())

	return &GormDB{db}, nil
}

// Close closes the database connection
func (db *GormDB) Close() error {
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
