// Package upload is the operator front door: a statistics file sent from the
// browser, or one pulled from a WebDAV share.
package upload

import (
	"fmt"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/ratelimit"
)

// RegisterRoutesWithGroup registers the upload routes. Requests are limited
// per client address, and bodies beyond the upload limit are refused before
// they are read.
func RegisterRoutesWithGroup(g *echo.Group, cfg *config.Config, orchestrator *imports.Orchestrator, limiter *ratelimit.KeyedLimiter) {
	h := &handler{
		cfg:          cfg,
		orchestrator: orchestrator,
	}

	// One extra MB leaves room for the multipart framing.
	g.Use(middleware.BodyLimit(fmt.Sprintf("%dM", cfg.UploadMaxSizeMB+1)))
	g.Use(ratelimit.Middleware(limiter, nil))

	g.POST("", h.upload)
	g.POST("/from-webdav", h.fromWebDAV)
}
