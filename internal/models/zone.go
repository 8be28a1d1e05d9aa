package models

import (
	"strings"

	"gorm.io/datatypes"
)

// DefaultZoneID identifies the reserved default zone, reachable on the
// system's root hostname rather than a subdomain.
const DefaultZoneID = "default"

// Zone is an isolated tenant namespace: its own users, configuration and
// externally visible hostname.
type Zone struct {
	BaseModel

	Name      string `gorm:"not null" json:"name"`
	Subdomain string `gorm:"uniqueIndex" json:"subdomain"`

	// CompanyName is optional branding used in outbound invitation email.
	CompanyName string `json:"company_name,omitempty"`

	// AllowedEmailDomains restricts invitations to the listed email domains.
	// Empty means any domain is accepted.
	AllowedEmailDomains datatypes.JSONSlice[string] `json:"allowed_email_domains,omitempty"`
}

// IsDefault reports whether the zone is the reserved default zone.
func (z *Zone) IsDefault() bool {
	return z.ID == DefaultZoneID
}

// IsDomainAllowed reports whether the supplied email domain may be invited
// into the zone. Matching is case-insensitive over the configured allow list.
func (z *Zone) IsDomainAllowed(domain string) bool {
	if len(z.AllowedEmailDomains) == 0 {
		return true
	}
	for _, allowed := range z.AllowedEmailDomains {
		if strings.EqualFold(allowed, domain) {
			return true
		}
	}
	return false
}
