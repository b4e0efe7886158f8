package handler

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/edutier-api/internal/middleware"
	"github.com/noah-isme/edutier-api/internal/models"
	"github.com/noah-isme/edutier-api/internal/service"
)

// Routes holds everything needed to mount the API.
type Routes struct {
	Auth         *AuthHandler
	Approvals    *ApprovalHandler
	Institutions *InstitutionHandler
	Metrics      *MetricsHandler

	Resolver   middleware.PrincipalResolver
	Authorizer *service.Authorizer
	Audit      middleware.AuditWriter
	Logger     *zap.Logger
	// RateLimit guards auth and bulk endpoints; nil disables it.
	RateLimit gin.HandlerFunc
}

// Register mounts the operational endpoints at the root and the API under prefix.
func (r Routes) Register(engine *gin.Engine, prefix string) {
	if r.Metrics != nil {
		engine.GET("/health", r.Metrics.Health)
		engine.GET("/ready", r.Metrics.Ready)
		engine.GET("/metrics", r.Metrics.Prometheus)
	}

	limited := r.RateLimit
	if limited == nil {
		limited = func(c *gin.Context) { c.Next() }
	}
	authz := r.Authorizer
	if authz == nil {
		authz = service.NewAuthorizer()
	}
	secured := middleware.JWT(r.Resolver)

	api := engine.Group(prefix)

	auth := api.Group("/auth")
	auth.POST("/register", limited, r.Auth.Register)
	auth.POST("/login", limited, r.Auth.Login)
	auth.GET("/me", secured, r.Auth.Me)

	approvals := api.Group("/approvals", secured)
	approvals.POST("", r.Approvals.Submit)
	approvals.GET("", r.Approvals.List)
	approvals.GET("/export",
		middleware.Authorize(authz, func(c *gin.Context) service.Action {
			return service.ViewInstitutionAction(scopeOf(c))
		}),
		middleware.Audit(r.Audit, r.Logger, models.AuditActionRequestExport, "approval_request"),
		r.Approvals.Export)
	approvals.POST("/bulk", limited,
		middleware.Audit(r.Audit, r.Logger, models.AuditActionBulkTransition, "approval_request"),
		r.Approvals.Bulk)
	approvals.GET("/:id", r.Approvals.Get)
	approvals.POST("/:id/transition", r.Approvals.Transition)
	approvals.PATCH("/:id/documents/:index", r.Approvals.VerifyDocument)

	institutions := api.Group("/institutions")
	institutions.POST("", limited, middleware.OptionalJWT(r.Resolver), r.Institutions.Register)
	institutions.GET("", secured, middleware.Authorize(authz, middleware.Static(service.ListInstitutionsAction())), r.Institutions.List)
	institutions.POST("/bulk", secured, limited,
		middleware.Authorize(authz, middleware.Static(service.ReviewInstitutionAction())),
		middleware.Audit(r.Audit, r.Logger, models.AuditActionBulkTransition, "institution"),
		r.Institutions.Bulk)
	institutions.GET("/:id", secured, r.Institutions.Get)
	institutions.POST("/:id/transition", secured,
		middleware.Authorize(authz, middleware.Static(service.ReviewInstitutionAction())),
		r.Institutions.Transition)
	institutions.GET("/:id/counts", secured,
		middleware.Authorize(authz, middleware.ScopedToParam("id", service.ViewInstitutionAction)),
		r.Institutions.Counts)
	institutions.GET("/:id/capacity", secured,
		middleware.Authorize(authz, middleware.ScopedToParam("id", service.ViewInstitutionAction)),
		r.Institutions.Capacity)
	institutions.PUT("/:id/limits", secured,
		middleware.Authorize(authz, middleware.Static(service.UpdateLimitsAction())),
		r.Institutions.UpdateLimits)
	institutions.PATCH("/:id/members/:userId/active", secured,
		middleware.Authorize(authz, middleware.ScopedToParam("id", service.SetMemberActiveAction)),
		r.Institutions.SetMemberActive)
}

// scopeOf is the institution a listing applies to: the caller's own for
// institutional callers, the query filter for platform callers.
func scopeOf(c *gin.Context) string {
	if p := middleware.PrincipalFrom(c); p != nil && p.CallerRole().Track() == models.TrackInstitutional {
		return p.CallerInstitutionID()
	}
	return c.Query("institution_id")
}
