// Package repo implements the persistence layer of the gateway, backed by
// GORM. It hosts the SQL-backed lease store (the shared coordination
// backend), the organization secret store, and the reference event
// persister. This file contains database bootstrapping and migrations.
package repo

import (
	"os"
	"path/filepath"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tracegate/capture-gateway/internal/domain"
)

// OpenSQLite opens (or creates) a SQLite database with the pragmas and pool
// settings the gateway expects, and installs OTel query tracing.
func OpenSQLite(path string) (*gorm.DB, error) {
	// Fail early if the parent directory does not exist (instead of the
	// opaque sqlite "out of memory (14)" error).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// PRAGMAs: concurrent readers with one writer, bounded lock waits.
	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA synchronous=NORMAL;")
	db.Exec("PRAGMA foreign_keys=ON;")
	db.Exec("PRAGMA busy_timeout=5000;")

	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetConnMaxIdleTime(5 * time.Minute)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, err
	}

	return db, nil
}

// AutoMigrate creates or updates the gateway's tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.LeaseEntry{},
		&domain.OrgSecret{},
		&domain.CapturedEvent{},
	)
}
