package db

import (
	"fmt"

	"github.com/zulandar/chatterbox/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model Chatterbox persists.
func AllModels() []interface{} {
	return []interface{}{
		&models.MessageRecord{},
		&models.ScopeState{},
		&models.IdentityState{},
		&models.UsageRecord{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
