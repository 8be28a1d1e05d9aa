package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/models"
)

// ErrUserNotFound indicates no directory account matches the identifier.
var ErrUserNotFound = errors.New("directory: user not found")

// ErrUserAlreadyActive indicates the account has already completed setup.
// Activate never touches such accounts: an invitation must not become a
// password-reset path for an established user.
var ErrUserAlreadyActive = errors.New("directory: user already active")

// Directory is the user-directory collaborator consumed by the invitation
// pipeline. The same email may legitimately match several accounts when they
// belong to different origins.
type Directory interface {
	FindByEmail(ctx context.Context, email, zoneID string) ([]models.User, error)
	CreatePending(ctx context.Context, email, zoneID string) (*models.User, error)
	Activate(ctx context.Context, userID, zoneID, passwordHash string) (*models.User, error)
}

// GormDirectory is the relational implementation of Directory.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory constructs the gorm-backed user directory.
func NewGormDirectory(db *gorm.DB) (*GormDirectory, error) {
	if db == nil {
		return nil, errors.New("directory: db is required")
	}
	return &GormDirectory{db: db}, nil
}

// FindByEmail returns every account matching the address within the zone.
func (d *GormDirectory) FindByEmail(ctx context.Context, email, zoneID string) ([]models.User, error) {
	var users []models.User
	err := d.db.WithContext(ctx).
		Where("zone_id = ? AND LOWER(email) = ?", zoneID, strings.ToLower(email)).
		Order("created_at").
		Find(&users).Error
	if err != nil {
		return nil, fmt.Errorf("directory: find by email: %w", err)
	}
	return users, nil
}

// CreatePending inserts an unverified local account awaiting invitation
// acceptance.
func (d *GormDirectory) CreatePending(ctx context.Context, email, zoneID string) (*models.User, error) {
	user := models.User{
		ZoneID:   zoneID,
		Email:    strings.ToLower(strings.TrimSpace(email)),
		Origin:   models.OriginLocal,
		Verified: false,
		Active:   true,
	}

	if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
		return nil, fmt.Errorf("directory: create pending user: %w", err)
	}
	return &user, nil
}

// Activate sets the account password and marks it verified. Used when an
// invited user completes account setup. Accounts that already finished setup
// are refused with ErrUserAlreadyActive.
func (d *GormDirectory) Activate(ctx context.Context, userID, zoneID, passwordHash string) (*models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).
		Where("id = ? AND zone_id = ?", userID, zoneID).
		First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("directory: find user: %w", err)
	}

	if user.Verified {
		return nil, ErrUserAlreadyActive
	}

	// The verified guard repeats in the WHERE clause so a concurrent
	// activation cannot slip in between the read and the update.
	result := d.db.WithContext(ctx).
		Model(&models.User{}).
		Where("id = ? AND zone_id = ? AND verified = ?", userID, zoneID, false).
		Updates(map[string]any{
			"password_hash": passwordHash,
			"verified":      true,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("directory: activate user: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrUserAlreadyActive
	}

	user.PasswordHash = passwordHash
	user.Verified = true
	return &user, nil
}
