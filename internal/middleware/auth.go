package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	iauth "github.com/zonegate/zonegate/internal/auth"
	"github.com/zonegate/zonegate/pkg/errors"
	"github.com/zonegate/zonegate/pkg/response"
)

const (
	CtxClaimsKey   = "authClaims"
	CtxClientIDKey = "clientID"
	CtxZoneIDKey   = "zoneID"
)

// ClientAuth enforces JWT authentication for API clients using the supplied
// JWT service.
func ClientAuth(jwt *iauth.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if len(authz) < 8 || !strings.EqualFold(authz[:7], "Bearer ") {
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		token := strings.TrimSpace(authz[7:])
		claims, err := jwt.ValidateAccessToken(token)
		if err != nil {
			// Normalise all validation failures to 401
			c.Header("WWW-Authenticate", "Bearer")
			response.Error(c, errors.ErrUnauthorized)
			c.Abort()
			return
		}

		// Propagate caller identity into request context
		c.Set(CtxClaimsKey, claims)
		c.Set(CtxClientIDKey, claims.ClientID)
		if claims.ZoneID != "" {
			c.Set(CtxZoneIDKey, claims.ZoneID)
		}

		c.Next()
	}
}
