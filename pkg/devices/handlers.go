package devices

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type handler struct {
	deviceService *Service
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	devices, err := h.deviceService.ListDevices(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, devices))
}

func (h *handler) retrieve(c echo.Context) error {
	ctx := c.Request().Context()

	device, err := h.deviceService.RetrieveDevice(ctx, c.Param("id"))
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, device))
}
