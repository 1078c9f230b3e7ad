package database

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/Cyvadra/broker-sync/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB is the global database instance
var DB *gorm.DB

// InitDatabase initializes the global database connection
func InitDatabase(dsn, logLevel string) error {
	db, err := Open(dsn, logLevel)
	if err != nil {
		return err
	}
	DB = db

	log.Println("Database initialized successfully")
	return nil
}

// Open connects to SQLite and migrates the schema.
// SQLite serialises writers, so the pool is limited to one connection.
func Open(dsn, logLevel string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(withForeignKeys(dsn)), &gorm.Config{
		Logger: logger.New(
			log.New(os.Stdout, "[DB] ", log.LstdFlags),
			logger.Config{
				SlowThreshold:             500 * time.Millisecond,
				LogLevel:                  parseLogLevel(logLevel),
				IgnoreRecordNotFoundError: true,
			},
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	// Auto migrate the schema
	if err := db.AutoMigrate(
		&models.BrokerConnection{},
		&models.SyncLog{},
		&models.Trade{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}

// GetDB returns the database instance
func GetDB() *gorm.DB {
	return DB
}

func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "_foreign_keys") || strings.Contains(dsn, "_fk") {
		return dsn
	}
	if strings.Contains(dsn, "?") {
		return dsn + "&_foreign_keys=on"
	}
	return dsn + "?_foreign_keys=on"
}

func parseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "silent":
		return logger.Silent
	case "error":
		return logger.Error
	case "info":
		return logger.Info
	default:
		return logger.Warn
	}
}
