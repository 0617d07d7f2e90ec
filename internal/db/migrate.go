package db

import (
	"fmt"

	"github.com/faizrhashmi/theautodoctor/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model managed by the service.
func AllModels() []interface{} {
	return []interface{}{
		&models.Request{},
		&models.Session{},
		&models.Mechanic{},
		&models.Assignment{},
		&models.SessionEvent{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}

// DropAll drops every managed table. Used by "ad db reset".
func DropAll(db *gorm.DB) error {
	if err := db.Migrator().DropTable(AllModels()...); err != nil {
		return fmt.Errorf("db: drop tables: %w", err)
	}
	return nil
}

// Open connects with OpenSQLite and migrates the schema. Tests across the
// module use it with ":memory:".
func Open(path string) (*gorm.DB, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
