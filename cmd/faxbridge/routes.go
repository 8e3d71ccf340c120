package main

import (
	"faxbridge/internal/httpapi"
	"faxbridge/internal/rbac"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. A nil authMW leaves the admin group out.
func registerRoutes(r *gin.Engine, h httpapi.Handlers, authMW gin.HandlerFunc) {
	r.GET("/healthz", h.Health)

	if authMW == nil {
		return
	}

	v1 := r.Group("/v1")
	v1.Use(authMW)
	{
		v1.GET("/status", rbac.RequireAnyRole(rbac.RoleViewer, rbac.RoleOperator), h.Status)

		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleOperator))
		{
			admin.GET("/events", h.Events)
			admin.POST("/jobs/:id/requeue", h.Requeue)
		}
	}
}
