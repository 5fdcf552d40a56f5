package books

import (
	"github.com/labstack/echo/v4"
	"github.com/readlogapp/readlog/pkg/aggregate"
	"github.com/uptrace/bun"
)

// RegisterRoutesWithGroup registers book routes on a pre-configured group.
// Aggregates are computed from reader so they don't wait on imports.
func RegisterRoutesWithGroup(g *echo.Group, db, reader *bun.DB) {
	h := &handler{
		bookService:      NewService(db),
		aggregateService: aggregate.NewService(reader),
	}

	g.GET("", h.list)
	g.GET("/:md5", h.retrieve)
	g.GET("/:md5/devices", h.devices)
	g.GET("/:md5/annotations", h.annotations)
	g.PUT("/:md5/hide", h.hide)
	g.PUT("/:md5/reference_pages", h.updateReferencePages)
	g.PUT("/:md5/status", h.updateStatus)
	g.DELETE("/:md5", h.delete)
}
