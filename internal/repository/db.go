package repository

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"kyc-onboarding/internal/model"
)

// ErrNotFound is returned when a partner scoped lookup matches no row.
var ErrNotFound = errors.New("record not found")

// NewDB opens the configured database, runs migrations and seeds reference data.
func NewDB(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	driver = strings.ToLower(strings.TrimSpace(driver))
	if driver == "" {
		driver = "sqlite"
	}
	if dsn == "" {
		if driver != "sqlite" {
			return nil, fmt.Errorf("dsn is required for driver %q", driver)
		}
		dsn = "kyc_onboarding.db"
	}

	cfg := &gorm.Config{Logger: newGormLogger(logger)}

	var (
		db  *gorm.DB
		err error
	)
	switch driver {
	case "sqlite":
		if err := ensureDirForSQLite(dsn); err != nil {
			return nil, err
		}
		db, err = gorm.Open(sqlite.Open(dsn), cfg)
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if driver == "sqlite" {
		// SQLite has no row locks; a single connection serializes writers.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}
	if err := NewReferenceRepository(db).SeedDefaults(); err != nil {
		return nil, err
	}

	return db, nil
}

// Migrate creates or updates every table the service owns.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Partner{},
		&model.Session{},
		&model.Application{},
		&model.Photo{},
		&model.ReferenceItem{},
	); err != nil {
		return fmt.Errorf("migrate db: %w", err)
	}
	return nil
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	if logger == nil {
		return gormlogger.Default.LogMode(gormlogger.Silent)
	}
	std, err := zap.NewStdLogAt(logger.Named("gorm"), zapcore.WarnLevel)
	if err != nil {
		std = zap.NewStdLog(logger.Named("gorm"))
	}
	return gormlogger.New(std, gormlogger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  gormlogger.Warn,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// ensureDirForSQLite creates parent dir for SQLite file if needed.
func ensureDirForSQLite(dsn string) error {
	if strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory") {
		return nil
	}
	clean := strings.TrimPrefix(dsn, "file:")
	clean = strings.Split(clean, "?")[0]
	dir := filepath.Dir(clean)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create db dir %q: %w", dir, err)
	}
	return nil
}
