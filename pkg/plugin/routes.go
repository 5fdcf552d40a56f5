// Package plugin is the push front door used by the KOReader plugin.
package plugin

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/ratelimit"
	"github.com/readlogapp/readlog/pkg/reconcile"
)

// RegisterRoutesWithGroup registers plugin routes on a pre-configured group.
// Imports are limited per client address before the body is read, then per
// device once it is.
func RegisterRoutesWithGroup(g *echo.Group, cfg *config.Config, orchestrator *imports.Orchestrator, store *reconcile.Store, deviceLimiter, clientLimiter *ratelimit.KeyedLimiter) {
	h := &handler{
		cfg:          cfg,
		orchestrator: orchestrator,
		store:        store,
		limiter:      deviceLimiter,
	}

	g.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.PluginMaxSizeMB)))

	g.POST("/device", h.registerDevice)
	g.POST("/import", h.importData, ratelimit.Middleware(clientLimiter, nil))
	g.GET("/health", h.health)
}
