package database

import (
	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/models"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Zone{},
		&models.User{},
		&models.ExpiringCode{},
	)
}

// SeedData inserts the reserved default zone when it does not exist yet.
// The default zone has no subdomain: it is addressed on the root hostname.
func SeedData(db *gorm.DB) error {
	defaultZone := models.Zone{
		BaseModel: models.BaseModel{ID: models.DefaultZoneID},
		Name:      "Default Zone",
		Subdomain: "",
	}

	return db.
		Where(models.Zone{BaseModel: models.BaseModel{ID: defaultZone.ID}}).
		Attrs(defaultZone).
		FirstOrCreate(&models.Zone{}).Error
}
