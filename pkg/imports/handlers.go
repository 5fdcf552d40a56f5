package imports

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/models"
)

type handler struct {
	orchestrator *Orchestrator
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListImportsQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	logs, total, err := h.orchestrator.ListImports(ctx, ListImportsOptions{
		Limit:  &params.Limit,
		Offset: &params.Offset,
		Source: params.Source,
		State:  params.State,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := struct {
		Imports []*models.ImportLog `json:"imports"`
		Total   int                 `json:"total"`
	}{logs, total}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}
