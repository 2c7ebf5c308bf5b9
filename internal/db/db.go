package db

import (
	"fmt"
	"time"

	"callinsights/internal/model"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Open connects to the configured datastore. An empty sqlite DSN opens an in-memory database.
func Open(driver, dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		Logger:  gormlogger.Default.LogMode(gormlogger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	}

	var (
		conn *gorm.DB
		err  error
	)
	switch driver {
	case "mysql":
		conn, err = gorm.Open(mysql.Open(dsn), cfg)
	case "postgres", "pg":
		conn, err = gorm.Open(postgres.Open(dsn), cfg)
	case "sqlite", "":
		if dsn == "" {
			dsn = "file::memory:"
		}
		conn, err = gorm.Open(sqlite.Open(dsn), cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	if driver == "sqlite" || driver == "" {
		// sqlite allows a single writer; serialize through one connection
		sqlDB, err := conn.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return conn, nil
}

// Migrate creates or updates the recordings and insights tables.
func Migrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&model.Recording{}, &model.Insight{}); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}
