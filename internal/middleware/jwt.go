package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutier-api/internal/models"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/logger"
	"github.com/noah-isme/edutier-api/pkg/response"
)

const (
	// ContextPrincipalKey stores the resolved models.Principal.
	ContextPrincipalKey = "principal"
	// ContextClaimsKey stores the validated JWT claims.
	ContextClaimsKey = "currentUser"
)

// PrincipalResolver turns a bearer token into the caller's principal.
type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, token string) (models.Principal, *models.JWTClaims, error)
}

// JWT protects routes by requiring a valid access token for an active account.
func JWT(resolver PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		principal, claims, err := resolver.ResolvePrincipal(c.Request.Context(), token)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		setPrincipal(c, principal, claims)
		c.Next()
	}
}

// OptionalJWT attaches the principal when a valid token is present but does not block.
func OptionalJWT(resolver PrincipalResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, err := bearerToken(c.GetHeader("Authorization"))
		if err != nil {
			c.Next()
			return
		}
		if principal, claims, err := resolver.ResolvePrincipal(c.Request.Context(), token); err == nil {
			setPrincipal(c, principal, claims)
		}
		c.Next()
	}
}

// PrincipalFrom returns the principal attached by JWT, or nil.
func PrincipalFrom(c *gin.Context) models.Principal {
	value, exists := c.Get(ContextPrincipalKey)
	if !exists {
		return nil
	}
	principal, _ := value.(models.Principal)
	return principal
}

// ClaimsFrom returns the claims attached by JWT, or nil.
func ClaimsFrom(c *gin.Context) *models.JWTClaims {
	value, exists := c.Get(ContextClaimsKey)
	if !exists {
		return nil
	}
	claims, _ := value.(*models.JWTClaims)
	return claims
}

func setPrincipal(c *gin.Context, principal models.Principal, claims *models.JWTClaims) {
	c.Set(ContextPrincipalKey, principal)
	c.Set(ContextClaimsKey, claims)
	c.Set(logger.SubjectKey, principal.Subject())
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", appErrors.ErrUnauthorized
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
		return "", appErrors.Clone(appErrors.ErrUnauthorized, "invalid authorization header")
	}
	return strings.TrimSpace(parts[1]), nil
}
