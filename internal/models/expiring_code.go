package models

import "time"

// ExpiringCode is a single-use, time-bounded opaque token bound to a zone and
// an intent. The (code, zone_id) pair is the row identity: two zones may mint
// the same code string without collision.
//
// The payload is an opaque serialized string; the store never inspects it.
type ExpiringCode struct {
	Code   string `gorm:"primaryKey" json:"code"`
	ZoneID string `gorm:"primaryKey;type:uuid" json:"zone_id"`

	Intent string `gorm:"not null;index" json:"intent"`
	Data   string `gorm:"type:text" json:"data"`

	ExpiresAt time.Time `gorm:"not null;index" json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the code is invalid at the supplied instant. Codes
// are valid through expiresAt and invalid strictly after it.
func (c *ExpiringCode) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
