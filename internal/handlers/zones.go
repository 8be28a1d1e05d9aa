package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/zonegate/zonegate/internal/models"
	"github.com/zonegate/zonegate/internal/services"
	appErrors "github.com/zonegate/zonegate/pkg/errors"
	"github.com/zonegate/zonegate/pkg/response"
)

// ZoneHandler manages tenant zone provisioning.
type ZoneHandler struct {
	zones *services.ZoneService
}

// NewZoneHandler constructs a ZoneHandler.
func NewZoneHandler(zones *services.ZoneService) (*ZoneHandler, error) {
	if zones == nil {
		return nil, errors.New("zone handler: zone service is required")
	}
	return &ZoneHandler{zones: zones}, nil
}

type createZoneRequest struct {
	Name                string   `json:"name" validate:"omitempty,max=128"`
	Subdomain           string   `json:"subdomain" validate:"required,hostname_rfc1123,max=63"`
	CompanyName         string   `json:"company_name" validate:"omitempty,max=128"`
	AllowedEmailDomains []string `json:"allowed_email_domains" validate:"omitempty,dive,fqdn"`
}

type zoneDTO struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Subdomain           string    `json:"subdomain"`
	CompanyName         string    `json:"company_name,omitempty"`
	AllowedEmailDomains []string  `json:"allowed_email_domains,omitempty"`
	BaseURL             string    `json:"base_url"`
	CreatedAt           time.Time `json:"created_at"`
}

func (h *ZoneHandler) toDTO(zone *models.Zone) zoneDTO {
	return zoneDTO{
		ID:                  zone.ID,
		Name:                zone.Name,
		Subdomain:           zone.Subdomain,
		CompanyName:         zone.CompanyName,
		AllowedEmailDomains: zone.AllowedEmailDomains,
		BaseURL:             h.zones.BaseURLFor(zone).String(),
		CreatedAt:           zone.CreatedAt,
	}
}

// Create handles POST /zones.
func (h *ZoneHandler) Create(c *gin.Context) {
	var req createZoneRequest
	if !bindAndValidate(c, &req) {
		return
	}

	zone := &models.Zone{
		Name:                req.Name,
		Subdomain:           req.Subdomain,
		CompanyName:         req.CompanyName,
		AllowedEmailDomains: req.AllowedEmailDomains,
	}

	if err := h.zones.Create(requestContext(c), zone); err != nil {
		if errors.Is(err, services.ErrSubdomainTaken) {
			response.Error(c, appErrors.New("zone.subdomain_taken", "subdomain already in use", http.StatusConflict))
		} else {
			response.Error(c, appErrors.FromError(err))
		}
		return
	}

	response.Success(c, http.StatusCreated, h.toDTO(zone))
}

// Get handles GET /zones/:id.
func (h *ZoneHandler) Get(c *gin.Context) {
	zone, err := h.zones.Get(requestContext(c), c.Param("id"))
	if err != nil {
		if errors.Is(err, services.ErrZoneNotFound) {
			response.Error(c, appErrors.ErrZoneNotFound)
		} else {
			response.Error(c, appErrors.FromError(err))
		}
		return
	}

	response.Success(c, http.StatusOK, h.toDTO(zone))
}
