package models

// Origin identifies the identity source an account belongs to.
const (
	OriginLocal = "local"
)

// User is a directory account scoped to a zone. The same email may exist
// under multiple origins within one zone, which is why invitations can be
// ambiguous.
type User struct {
	BaseModel

	ZoneID string `gorm:"type:uuid;not null;uniqueIndex:idx_users_zone_email_origin" json:"zone_id"`
	Email  string `gorm:"not null;uniqueIndex:idx_users_zone_email_origin" json:"email"`
	Origin string `gorm:"not null;default:local;uniqueIndex:idx_users_zone_email_origin" json:"origin"`

	PasswordHash string `gorm:"column:password_hash" json:"-"`

	// Verified flips to true once the account owner completes setup, e.g. by
	// accepting an invitation and choosing a password.
	Verified bool `gorm:"default:false" json:"verified"`
	Active   bool `gorm:"default:true" json:"active"`
}
