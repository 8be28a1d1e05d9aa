package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/zonegate/zonegate/internal/middleware"
	"github.com/zonegate/zonegate/internal/models"
	"github.com/zonegate/zonegate/internal/services"
	appErrors "github.com/zonegate/zonegate/pkg/errors"
	"github.com/zonegate/zonegate/pkg/response"
)

// InvitationHandler exposes the invitation pipeline over HTTP.
type InvitationHandler struct {
	invites  *services.InvitationService
	zones    *services.ZoneService
	maxBatch int
}

// NewInvitationHandler constructs an InvitationHandler. maxBatch bounds the
// number of addresses accepted per request; zero disables the bound.
func NewInvitationHandler(invites *services.InvitationService, zones *services.ZoneService, maxBatch int) (*InvitationHandler, error) {
	if invites == nil {
		return nil, errors.New("invitation handler: invitation service is required")
	}
	if zones == nil {
		return nil, errors.New("invitation handler: zone service is required")
	}
	return &InvitationHandler{invites: invites, zones: zones, maxBatch: maxBatch}, nil
}

type inviteUsersRequest struct {
	Emails      []string `json:"emails" validate:"required,min=1"`
	RedirectURI string   `json:"redirect_uri" validate:"omitempty,uri"`
}

type acceptInvitationRequest struct {
	Code     string `json:"code" validate:"required"`
	Password string `json:"password" validate:"required,min=8"`
}

// resolveZone maps the request host to the tenant zone it addresses.
func (h *InvitationHandler) resolveZone(c *gin.Context) (*models.Zone, bool) {
	zone, err := h.zones.ResolveFromHost(requestContext(c), c.Request.Host)
	if err != nil {
		if errors.Is(err, services.ErrZoneNotFound) {
			response.Error(c, appErrors.ErrZoneNotFound)
		} else {
			response.Error(c, appErrors.FromError(err))
		}
		return nil, false
	}
	return zone, true
}

// InviteUsers handles POST /invite_users.
func (h *InvitationHandler) InviteUsers(c *gin.Context) {
	clientID := c.GetString(middleware.CtxClientIDKey)
	if clientID == "" {
		response.Error(c, appErrors.ErrUnauthorized)
		return
	}

	var req inviteUsersRequest
	if !bindAndValidate(c, &req) {
		return
	}

	if h.maxBatch > 0 && len(req.Emails) > h.maxBatch {
		response.Error(c, appErrors.NewBadRequest("too many addresses in one request"))
		return
	}

	zone, ok := h.resolveZone(c)
	if !ok {
		return
	}

	// OAuth-style clients pass redirect_uri as a query parameter; the body
	// field is the fallback.
	redirectURI := strings.TrimSpace(c.Query("redirect_uri"))
	if redirectURI == "" {
		redirectURI = strings.TrimSpace(req.RedirectURI)
	}

	result, err := h.invites.Invite(requestContext(c), services.InviteRequest{
		ZoneID:      zone.ID,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Emails:      req.Emails,
	})
	if err != nil {
		response.Error(c, appErrors.FromError(err))
		return
	}

	response.Success(c, http.StatusOK, result)
}

// AcceptInvitation handles GET /invitations/accept. The code is consumed on
// first use; any further attempt with the same code fails.
func (h *InvitationHandler) AcceptInvitation(c *gin.Context) {
	code := c.Query("code")
	if code == "" {
		response.Error(c, appErrors.NewBadRequest("code is required"))
		return
	}

	zone, ok := h.resolveZone(c)
	if !ok {
		return
	}

	acceptance, err := h.invites.Accept(requestContext(c), code, zone.ID)
	if err != nil {
		if errors.Is(err, services.ErrInvitationInvalid) {
			response.Error(c, appErrors.ErrInvitationInvalid)
		} else {
			response.Error(c, appErrors.FromError(err))
		}
		return
	}

	response.Success(c, http.StatusOK, acceptance)
}

// CompleteInvitation handles POST /invitations/accept.do, finishing account
// setup for a previously accepted invitation. The request must carry the
// completion code returned by the accept step; the account to activate is
// read from that code's payload.
func (h *InvitationHandler) CompleteInvitation(c *gin.Context) {
	var req acceptInvitationRequest
	if !bindAndValidate(c, &req) {
		return
	}

	zone, ok := h.resolveZone(c)
	if !ok {
		return
	}

	user, err := h.invites.CompleteAccount(requestContext(c), req.Code, zone.ID, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrInvitationInvalid):
			response.Error(c, appErrors.ErrInvitationInvalid)
		case errors.Is(err, services.ErrUserNotFound):
			response.Error(c, appErrors.ErrNotFound)
		case errors.Is(err, services.ErrUserAlreadyActive):
			response.Error(c, appErrors.New("user.already_active", "account setup is already complete", http.StatusConflict))
		default:
			response.Error(c, appErrors.FromError(err))
		}
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"user_id":  user.ID,
		"email":    user.Email,
		"verified": user.Verified,
	})
}
