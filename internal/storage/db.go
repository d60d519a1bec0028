// Package storage is the tapwatch repository. It initializes GORM with SQLite
// (default) or PostgreSQL and implements the narrow read/write contracts the
// registry, the metrics aggregator, the alert deduplicator and the network
// monitor depend on.
package storage

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/tapwatch/internal/models"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Options selects and locates the database.
type Options struct {
	Driver string // "sqlite" or "postgres"
	Path   string // sqlite database file
	DSN    string // postgres connection string
	Logger *slog.Logger
}

// Repository is the GORM-backed store. It is safe for concurrent use.
type Repository struct {
	db     *gorm.DB
	logger *slog.Logger
}

// Open opens the database and runs AutoMigrate.
func Open(opts Options) (*Repository, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case "sqlite", "":
		// WAL lets histogram reads proceed while a report is being written.
		dialector = sqlite.Open(opts.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	case "postgres":
		if opts.DSN == "" {
			return nil, errors.New("storage: postgres driver requires a DSN")
		}
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q (use 'sqlite' or 'postgres')", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("storage: opening database: %w", err)
	}

	if opts.Driver == "sqlite" || opts.Driver == "" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("storage: %w", err)
		}
		// SQLite only supports one writer.
		sqlDB.SetMaxOpenConns(1)
	}

	if err := db.AutoMigrate(
		&models.Tap{},
		&models.Bus{},
		&models.Channel{},
		&models.Capture{},
		&models.TapMetricsGauge{},
		&models.Alert{},
		&models.MonitoredNetwork{},
	); err != nil {
		return nil, fmt.Errorf("storage: auto-migrate: %w", err)
	}

	opts.Logger.Info("database opened", "driver", dialector.Name(), "path", opts.Path)
	return &Repository{db: db, logger: opts.Logger}, nil
}

// Close releases the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
