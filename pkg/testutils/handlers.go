package testutils

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/uptrace/bun"
)

type handler struct {
	db *bun.DB
}

// createDeviceRequest is the request body for creating a test device.
type createDeviceRequest struct {
	ID    string `json:"id" validate:"required"`
	Model string `json:"model"`
}

// createDevice creates a device without going through the plugin.
// POST /test/devices.
func (h *handler) createDevice(c echo.Context) error {
	ctx := c.Request().Context()

	var req createDeviceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if req.Model == "" {
		req.Model = models.UnknownDeviceModel
	}

	now := time.Now().UTC()
	device := &models.Device{
		ID:         req.ID,
		Model:      req.Model,
		CreatedAt:  now,
		LastSeenAt: now,
	}
	_, err := h.db.NewInsert().Model(device).On("CONFLICT (id) DO NOTHING").Exec(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to create device")
	}

	return c.JSON(http.StatusCreated, device)
}

// deleteAllDataResponse is the response body for deleting all reading data.
type deleteAllDataResponse struct {
	Deleted map[string]int64 `json:"deleted"`
}

// deleteAllData empties every reading table.
// DELETE /test/data.
func (h *handler) deleteAllData(c echo.Context) error {
	ctx := c.Request().Context()

	// Children first (foreign key constraints).
	tables := []struct {
		name  string
		model interface{}
	}{
		{"annotations", (*models.Annotation)(nil)},
		{"page_stats", (*models.PageStat)(nil)},
		{"import_logs", (*models.ImportLog)(nil)},
		{"books", (*models.Book)(nil)},
		{"devices", (*models.Device)(nil)},
	}

	resp := deleteAllDataResponse{Deleted: map[string]int64{}}
	err := h.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for _, t := range tables {
			result, err := tx.NewDelete().
				Model(t.model).
				Where("1=1").
				Exec(ctx)
			if err != nil {
				return errors.Wrapf(err, "failed to delete %s", t.name)
			}
			resp.Deleted[t.name], _ = result.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return c.JSON(http.StatusOK, resp)
}
