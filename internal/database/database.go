// Package database opens the TalonOps datastore with GORM, runs migrations
// and seeds the rows every installation needs.
package database

import (
	"errors"
	"fmt"

	"github.com/glebarez/sqlite"
	"github.com/vesaa/talonops/internal/models"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens the database and runs AutoMigrate.
func Open(driver, path string, log *zap.Logger) (*gorm.DB, error) {
	if log == nil {
		log = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch driver {
	case "sqlite", "":
		dialector = sqlite.Open(path)
	default:
		return nil, fmt.Errorf("unsupported db_driver %q (use 'sqlite')", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	// SQLite allows one writer; a single connection keeps read-then-write
	// sequences from tripping over SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	if err := db.Exec("PRAGMA journal_mode=WAL").Error; err != nil {
		return nil, fmt.Errorf("set WAL: %w", err)
	}
	if err := db.Exec("PRAGMA foreign_keys=ON").Error; err != nil {
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	log.Info("database opened", zap.String("driver", driver), zap.String("path", path))
	return db, nil
}

// Migrate creates or updates every table plus the indexes GORM tags cannot express.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&models.Client{},
		&models.Device{},
		&models.User{},
		&models.UserClientAssignment{},
		&models.Threshold{},
		&models.Alert{},
		&models.AutoRemediationPolicy{},
		&models.EnrollmentToken{},
		&models.AgentCommand{},
		&models.Ticket{},
		&models.CheckResult{},
	); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	// At most one open alert per (device, threshold).
	if err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_alerts_open_episode
		ON alerts(device_id, threshold_id)
		WHERE status IN ('active', 'acknowledged') AND threshold_id IS NOT NULL`).Error; err != nil {
		return fmt.Errorf("create open-episode index: %w", err)
	}
	return nil
}

// Seed makes sure the reserved default client and a bootstrap admin exist.
// The admin is only created when the users table is empty.
func Seed(db *gorm.DB, defaultClientName, adminUser, adminPass string) (*models.Client, error) {
	var client models.Client
	err := db.Where("slug = ?", models.DefaultClientSlug).First(&client).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		client = models.Client{Name: defaultClientName, Slug: models.DefaultClientSlug}
		if err := db.Create(&client).Error; err != nil {
			return nil, fmt.Errorf("seed default client: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("load default client: %w", err)
	}

	var users int64
	if err := db.Model(&models.User{}).Count(&users).Error; err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}
	if users == 0 && adminUser != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(adminPass), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash admin password: %w", err)
		}
		admin := models.User{Username: adminUser, PasswordHash: string(hash), Role: models.RoleAdmin}
		if err := db.Create(&admin).Error; err != nil {
			return nil, fmt.Errorf("seed admin user: %w", err)
		}
	}
	return &client, nil
}
