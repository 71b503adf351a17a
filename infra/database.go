package infra

import (
	"fmt"
	"log"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/tnqbao/gau-workflow-monitor/config"
	"github.com/tnqbao/gau-workflow-monitor/entity"
)

type DatabaseClient struct {
	DB     *gorm.DB
	Driver string
}

func InitDatabaseClient(cfg *config.EnvConfig) *DatabaseClient {
	client, err := OpenDatabase(cfg.Database.Driver, databaseDSN(cfg))
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	log.Printf("Connected to %s database", client.Driver)
	return client
}

// OpenDatabase connects and migrates the workflow table.
func OpenDatabase(driver, dsn string) (*DatabaseClient, error) {
	var dialector gorm.Dialector
	switch driver {
	case "postgres":
		dialector = postgres.Open(dsn)
	case "sqlite", "":
		driver = "sqlite"
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}
	if driver == "sqlite" {
		// single writer; WAL keeps readers off the writer's lock
		sqlDB.SetMaxOpenConns(1)
		if err := db.Exec("PRAGMA journal_mode=WAL;").Error; err != nil {
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
		if err := db.Exec("PRAGMA busy_timeout=5000;").Error; err != nil {
			return nil, fmt.Errorf("failed to set busy_timeout: %w", err)
		}
	} else {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.AutoMigrate(&entity.Job{}); err != nil {
		return nil, fmt.Errorf("failed to migrate workflow table: %w", err)
	}

	return &DatabaseClient{DB: db, Driver: driver}, nil
}

func (c *DatabaseClient) Close() error {
	sqlDB, err := c.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func databaseDSN(cfg *config.EnvConfig) string {
	if cfg.Database.Driver == "postgres" {
		return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
			cfg.Postgres.HOST, cfg.Postgres.Username, cfg.Postgres.Password, cfg.Postgres.Database, cfg.Postgres.Port)
	}
	return cfg.Database.SQLitePath
}
