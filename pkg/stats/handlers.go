package stats

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/aggregate"
	"github.com/readlogapp/readlog/pkg/models"
)

type handler struct {
	aggregateService *aggregate.Service
}

func (h *handler) overview(c echo.Context) error {
	ctx := c.Request().Context()

	overview, err := h.aggregateService.Overview(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, overview))
}

func (h *handler) book(c echo.Context) error {
	ctx := c.Request().Context()
	md5 := c.Param("md5")

	// Bind params.
	params := ListPageStatsQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	// 404 for books that were never imported rather than an empty list.
	if _, err := h.aggregateService.RetrieveBook(ctx, md5); err != nil {
		return errors.WithStack(err)
	}

	stats, err := h.aggregateService.ListPageStats(ctx, aggregate.ListPageStatsOptions{
		BookMD5:  &md5,
		DeviceID: params.DeviceID,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := struct {
		Stats []*models.PageStat `json:"stats"`
		Total int                `json:"total"`
	}{stats, len(stats)}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}
