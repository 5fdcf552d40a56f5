package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/binder"
	"github.com/readlogapp/readlog/pkg/books"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/devices"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/plugin"
	"github.com/readlogapp/readlog/pkg/ratelimit"
	"github.com/readlogapp/readlog/pkg/reconcile"
	"github.com/readlogapp/readlog/pkg/stats"
	"github.com/readlogapp/readlog/pkg/testutils"
	"github.com/readlogapp/readlog/pkg/upload"
	"github.com/readlogapp/readlog/pkg/webdav"
	"github.com/robinjoseph08/golib/echo/v4/health"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/echo/v4/middleware/recovery"
	"github.com/uptrace/bun"
)

// Server is the HTTP server plus the background pieces that must be stopped
// with it.
type Server struct {
	*http.Server
	limiters []*ratelimit.KeyedLimiter
}

// New builds the server. db is the single writer; reader serves the read-only
// surfaces and may be db itself.
func New(cfg *config.Config, db, reader *bun.DB) (*Server, error) {
	e := echo.New()

	b, err := binder.New()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	e.Binder = b

	e.Use(logger.Middleware())
	e.Use(recovery.Middleware())
	e.Use(middleware.CORS())

	health.RegisterRoutes(e)

	// Every front door shares one store so per-book locks are shared too.
	store := reconcile.NewStore(db)
	orchestrator := imports.New(cfg, db, store, webdav.NewClient(cfg.PullTimeout, cfg.UploadMaxSizeMB))

	pluginLimiter := ratelimit.New(cfg.PluginRateLimitRPS, cfg.PluginRateLimitBurst)
	clientLimiter := ratelimit.New(cfg.ClientRateLimitRPS, cfg.ClientRateLimitBurst)
	uploadLimiter := ratelimit.New(cfg.PluginRateLimitRPS, cfg.PluginRateLimitBurst)

	api := e.Group("/api")
	plugin.RegisterRoutesWithGroup(api.Group("/plugin"), cfg, orchestrator, store, pluginLimiter, clientLimiter)
	upload.RegisterRoutesWithGroup(api.Group("/upload"), cfg, orchestrator, uploadLimiter)
	books.RegisterRoutesWithGroup(api.Group("/books"), db, reader)
	devices.RegisterRoutesWithGroup(api.Group("/devices"), reader)
	stats.RegisterRoutesWithGroup(api.Group("/stats"), reader)
	imports.RegisterRoutesWithGroup(api.Group("/imports"), orchestrator)

	if cfg.Environment == "test" {
		testutils.RegisterRoutes(e, db)
	}

	echo.NotFoundHandler = notFoundHandler
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort),
		Handler:           e,
		ReadHeaderTimeout: 3 * time.Second,
	}

	return &Server{
		Server:   srv,
		limiters: []*ratelimit.KeyedLimiter{pluginLimiter, clientLimiter, uploadLimiter},
	}, nil
}

// Stop ends the rate limiter sweepers. Call it after Shutdown.
func (s *Server) Stop() {
	for _, l := range s.limiters {
		l.Stop()
	}
}

func notFoundHandler(c echo.Context) error {
	c.SetPath("/:path")
	return errcodes.NotFound("Page")
}
