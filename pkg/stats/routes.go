// Package stats serves the raw session rows and the library-wide overview.
package stats

import (
	"github.com/labstack/echo/v4"
	"github.com/readlogapp/readlog/pkg/aggregate"
	"github.com/uptrace/bun"
)

func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB) {
	h := &handler{
		aggregateService: aggregate.NewService(db),
	}

	g.GET("", h.overview)
	g.GET("/:md5", h.book)
}
