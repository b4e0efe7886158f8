package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/edutier-api/internal/service"
	appErrors "github.com/noah-isme/edutier-api/pkg/errors"
	"github.com/noah-isme/edutier-api/pkg/response"
)

// ActionFunc derives the action a route performs from the request.
type ActionFunc func(c *gin.Context) service.Action

// Authorize rejects callers the authorizer denies for the route's action. Services
// repeat the check with loaded state; this guard only fails fast at the edge.
func Authorize(authz *service.Authorizer, action ActionFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := PrincipalFrom(c)
		if principal == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		if err := authz.Require(principal, action(c)); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// Static wraps a request-independent action.
func Static(action service.Action) ActionFunc {
	return func(*gin.Context) service.Action { return action }
}

// ScopedToParam builds an institution-scoped action from a path parameter.
func ScopedToParam(param string, build func(institutionID string) service.Action) ActionFunc {
	return func(c *gin.Context) service.Action { return build(c.Param(param)) }
}
