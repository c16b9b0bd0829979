package v1

import (
	"github.com/gin-gonic/gin"
)

// RouteRegistrar is a handler that mounts its own endpoints.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// mount registers each handler under its path prefix.
func mount(rg *gin.RouterGroup, routes map[string]RouteRegistrar) {
	for prefix, h := range routes {
		h.RegisterRoutes(rg.Group(prefix))
	}
}
