package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/models"
)

var (
	// ErrZoneNotFound indicates the zone identifier matches no zone.
	ErrZoneNotFound = errors.New("zone: not found")
	// ErrSubdomainTaken signals a provisioning conflict on the subdomain.
	ErrSubdomainTaken = errors.New("zone: subdomain already in use")
)

// ZoneService resolves tenant zones and builds their externally reachable
// addresses. Every zone except the reserved default one is served on its own
// subdomain of the configured root URL.
type ZoneService struct {
	db      *gorm.DB
	rootURL *url.URL
}

// NewZoneService constructs a ZoneService. rootBaseURL is the address of the
// default zone, e.g. "https://login.example.com".
func NewZoneService(db *gorm.DB, rootBaseURL string) (*ZoneService, error) {
	if db == nil {
		return nil, errors.New("zone service: db is required")
	}

	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(rootBaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("zone service: parse root url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("zone service: root url %q must be absolute", rootBaseURL)
	}

	return &ZoneService{db: db, rootURL: parsed}, nil
}

// Get loads a zone by identifier.
func (s *ZoneService) Get(ctx context.Context, zoneID string) (*models.Zone, error) {
	if strings.TrimSpace(zoneID) == "" {
		return nil, ErrZoneNotFound
	}

	var zone models.Zone
	if err := s.db.WithContext(ctx).First(&zone, "id = ?", zoneID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrZoneNotFound
		}
		return nil, fmt.Errorf("zone service: find zone: %w", err)
	}

	return &zone, nil
}

// GetBySubdomain loads a zone by its subdomain label.
func (s *ZoneService) GetBySubdomain(ctx context.Context, subdomain string) (*models.Zone, error) {
	subdomain = strings.ToLower(strings.TrimSpace(subdomain))
	if subdomain == "" {
		return nil, ErrZoneNotFound
	}

	var zone models.Zone
	if err := s.db.WithContext(ctx).First(&zone, "subdomain = ?", subdomain).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrZoneNotFound
		}
		return nil, fmt.Errorf("zone service: find zone by subdomain: %w", err)
	}

	return &zone, nil
}

// ResolveFromHost maps a request Host header to the zone it addresses. The
// root host serves the default zone; a single label prefixed to the root host
// selects the zone provisioned on that subdomain.
func (s *ZoneService) ResolveFromHost(ctx context.Context, host string) (*models.Zone, error) {
	hostname := strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndex(hostname, ":"); i >= 0 && !strings.Contains(hostname[i:], "]") {
		hostname = hostname[:i]
	}

	root := strings.ToLower(s.rootURL.Hostname())
	if hostname == "" || hostname == root {
		return s.Get(ctx, models.DefaultZoneID)
	}

	if strings.HasSuffix(hostname, "."+root) {
		sub := strings.TrimSuffix(hostname, "."+root)
		if sub != "" && !strings.Contains(sub, ".") {
			return s.GetBySubdomain(ctx, sub)
		}
	}

	return nil, ErrZoneNotFound
}

// Create provisions a new zone on its own subdomain.
func (s *ZoneService) Create(ctx context.Context, zone *models.Zone) error {
	if zone == nil {
		return errors.New("zone service: zone is required")
	}

	zone.Subdomain = strings.ToLower(strings.TrimSpace(zone.Subdomain))
	if zone.Subdomain == "" {
		return errors.New("zone service: subdomain is required")
	}
	if zone.Name == "" {
		zone.Name = zone.Subdomain
	}

	var count int64
	if err := s.db.WithContext(ctx).
		Model(&models.Zone{}).
		Where("subdomain = ?", zone.Subdomain).
		Count(&count).Error; err != nil {
		return fmt.Errorf("zone service: check subdomain: %w", err)
	}
	if count > 0 {
		return ErrSubdomainTaken
	}

	if err := s.db.WithContext(ctx).Create(zone).Error; err != nil {
		return fmt.Errorf("zone service: create zone: %w", err)
	}
	return nil
}

// BaseURLFor returns the externally visible base URL for the zone. A zone
// with a configured subdomain is always addressed through it; falling back to
// the root host would hand out links that cross tenant boundaries.
func (s *ZoneService) BaseURLFor(zone *models.Zone) *url.URL {
	base := *s.rootURL

	if zone != nil && zone.Subdomain != "" {
		base.Host = zone.Subdomain + "." + s.rootURL.Host
	}

	return &base
}

// AcceptLinkFor composes the invitation acceptance link for the zone. The
// code is query-encoded so characters like '@' cannot masquerade as extra
// parameters or address separators.
func (s *ZoneService) AcceptLinkFor(zone *models.Zone, code string) string {
	link := s.BaseURLFor(zone)
	link.Path = strings.TrimRight(link.Path, "/") + "/invitations/accept"
	link.RawQuery = "code=" + url.QueryEscape(code)
	return link.String()
}
