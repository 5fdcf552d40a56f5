package devices

import (
	"github.com/labstack/echo/v4"
	"github.com/uptrace/bun"
)

func RegisterRoutesWithGroup(g *echo.Group, db *bun.DB) {
	h := &handler{
		deviceService: NewService(db),
	}

	g.GET("", h.list)
	g.GET("/:id", h.retrieve)
}
