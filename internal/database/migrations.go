package database

import (
	"errors"
	"os"
	"strings"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/statlerhq/backplane/internal/models"
	"github.com/statlerhq/backplane/pkg/crypto"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.APIKey{},
	)
}

// SeedData provisions the initial admin account on first boot. The password
// comes from BACKPLANE_ADMIN_PASSWORD; when unset no account is created and
// the instance stays empty until a user registers.
func SeedData(db *gorm.DB) error {
	if db == nil {
		return errors.New("nil database handle")
	}

	var count int64
	if err := db.Model(&models.User{}).Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := strings.TrimSpace(os.Getenv("BACKPLANE_ADMIN_PASSWORD"))
	if password == "" {
		return nil
	}

	hashed, err := crypto.HashPassword(password)
	if err != nil {
		return err
	}

	admin := &models.User{
		Email:        "admin@localhost",
		Name:         "Administrator",
		PasswordHash: hashed,
		Roles:        datatypes.NewJSONSlice([]string{"admin", "user"}),
		IsActive:     true,
	}

	return db.Create(admin).Error
}
