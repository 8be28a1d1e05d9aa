package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/zonegate/zonegate/internal/app"
	iauth "github.com/zonegate/zonegate/internal/auth"
	"github.com/zonegate/zonegate/internal/handlers"
	"github.com/zonegate/zonegate/internal/middleware"
	"github.com/zonegate/zonegate/internal/services"
)

// NewRouter builds the Gin engine, wires middleware and registers routes.
// The limiter is owned by the caller, who stops it on shutdown.
func NewRouter(db *gorm.DB, jwt *iauth.JWTService, cfg *app.Config, invites *services.InvitationService, zones *services.ZoneService, limiter *middleware.RateLimiter) (*gin.Engine, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if invites == nil {
		return nil, fmt.Errorf("invitation service must be provided")
	}
	if zones == nil {
		return nil, fmt.Errorf("zone service must be provided")
	}
	if limiter == nil {
		return nil, fmt.Errorf("rate limiter must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())
	r.Use(limiter.Middleware())

	r.NoRoute(middleware.NotFoundHandler)

	if cfg.Monitoring.Health.Enabled {
		r.GET("/healthz", handlers.Health(db))
	}
	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	invitationHandler, err := handlers.NewInvitationHandler(invites, zones, cfg.Invitations.MaxBatch)
	if err != nil {
		return nil, err
	}
	zoneHandler, err := handlers.NewZoneHandler(zones)
	if err != nil {
		return nil, err
	}

	requireClient := middleware.ClientAuth(jwt)

	// Invitation issuance requires an authenticated API client.
	r.POST("/invite_users", requireClient, invitationHandler.InviteUsers)

	// Acceptance endpoints are reached from emailed links and stay public.
	r.GET("/invitations/accept", invitationHandler.AcceptInvitation)
	r.POST("/invitations/accept.do", invitationHandler.CompleteInvitation)

	// Zone provisioning
	zonesGroup := r.Group("/zones")
	zonesGroup.Use(requireClient)
	{
		zonesGroup.POST("", zoneHandler.Create)
		zonesGroup.GET("/:id", zoneHandler.Get)
	}

	return r, nil
}
