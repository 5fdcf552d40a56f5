package plugin

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/binder"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/readlogapp/readlog/pkg/ratelimit"
	"github.com/readlogapp/readlog/pkg/reconcile"
	echologger "github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/logger"
	"github.com/segmentio/encoding/json"
)

type handler struct {
	cfg          *config.Config
	orchestrator *imports.Orchestrator
	store        *reconcile.Store
	limiter      *ratelimit.KeyedLimiter
}

func (h *handler) registerDevice(c echo.Context) error {
	ctx := c.Request().Context()

	// Plugins add fields over time; unknown ones are not an error here.
	binder.AllowUnknownFields(c)

	// Bind params.
	params := RegisterDevicePayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if err := h.orchestrator.CheckPluginVersion(params.Version); err != nil {
		return errors.WithStack(err)
	}
	if params.ID == "" || params.Model == "" {
		return errcodes.BadRequest("Missing device ID or model")
	}

	created, err := h.store.RegisterDevice(ctx, params.ID, params.Model)
	if err != nil {
		return errors.WithStack(err)
	}

	echologger.FromEchoContext(c).Info("device registered", logger.Data{
		"device_id": params.ID,
		"model":     params.Model,
		"created":   created,
	})

	resp := struct {
		Message string `json:"message"`
		Created bool   `json:"created"`
	}{"Device registered successfully", created}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) importData(c echo.Context) error {
	ctx := c.Request().Context()

	// One byte past the limit tells an oversized body apart from one that
	// fits exactly.
	maxBytes := h.cfg.PluginMaxSizeBytes()
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBytes+1))
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
			return errcodes.PayloadTooLarge(h.cfg.PluginMaxSizeMB)
		}
		return errors.WithStack(err)
	}
	if int64(len(body)) > maxBytes {
		return errcodes.PayloadTooLarge(h.cfg.PluginMaxSizeMB)
	}
	if len(body) == 0 {
		return errcodes.EmptyRequestBody()
	}

	key := rateLimitKey(c, body)
	if !h.limiter.Allow(key) {
		echologger.FromEchoContext(c).Warn("plugin import rate limited", logger.Data{"key": key})
		return errcodes.TooManyRequests()
	}

	res, err := h.orchestrator.Submit(ctx, imports.Submission{
		Source: models.ImportSourcePlugin,
		Plugin: body,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	resp := struct {
		Message string `json:"message"`
		*imports.Result
	}{"Upload successful", res}

	return errors.WithStack(c.JSON(http.StatusOK, resp))
}

func (h *handler) health(c echo.Context) error {
	binder.AllowUnknownFields(c)
	binder.AllowEmptyBody(c)

	// Bind params.
	params := HealthQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if err := h.orchestrator.CheckPluginVersion(params.Version); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, map[string]string{"message": "Plugin is healthy"}))
}

// rateLimitKey identifies the pushing device. Bodies that don't name exactly
// one device fall back to the client address.
func rateLimitKey(c echo.Context, body []byte) string {
	env := importEnvelope{}
	if err := json.Unmarshal(body, &env); err == nil {
		if env.DeviceID != "" {
			return "device:" + env.DeviceID
		}
		device := ""
		for _, s := range env.Stats {
			if s.DeviceID == "" || (device != "" && s.DeviceID != device) {
				device = ""
				break
			}
			device = s.DeviceID
		}
		if device != "" {
			return "device:" + device
		}
	}
	return "ip:" + c.RealIP()
}
