package errcodes

import (
	"net/http"

	"github.com/iancoleman/strcase"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/errutils"
)

type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

// Handle is an Echo error handler that uses HTTP errors accordingly, and any
// generic error will be interpreted as an internal server error.
func (h *Handler) Handle(err error, c echo.Context) {
	if errutils.IsIgnorableErr(err) {
		logger.FromEchoContext(c).Err(err).Warn("broken pipe")
		return
	}

	httpCode, payload := h.generatePayload(c, err)

	// Internal server errors
	if httpCode == http.StatusInternalServerError {
		logger.FromEchoContext(c).Err(err).Error("server error")
	}

	if err := c.JSON(httpCode, payload); err != nil {
		logger.FromEchoContext(c).Err(errors.WithStack(err)).Error("error handler json error")
	}
}

// generatePayload renders every error as a flat {error, code} body. Retryable
// failures additionally carry "retryable": true so clients (the plugin and the
// import CLI) can decide whether to resend the same batch.
func (h *Handler) generatePayload(_ echo.Context, err error) (int, map[string]interface{}) {
	code := ""
	msg := ""
	retryable := false
	httpCode := http.StatusInternalServerError

	// Echo errors
	var he *echo.HTTPError
	if ok := errors.As(err, &he); ok {
		httpCode = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		} else {
			msg = http.StatusText(he.Code)
		}
		code = strcase.ToSnake(msg)
		if he.Code == http.StatusRequestEntityTooLarge {
			code = "payload_too_large"
		}
	}

	// Custom errors
	var e *Error
	if ok := errors.As(err, &e); ok {
		httpCode = e.HTTPCode
		code = e.Code
		msg = e.Message
		retryable = e.Retryable
	}

	// Internal server errors that aren't Echo errors or custom errors
	if httpCode == http.StatusInternalServerError && msg == "" {
		code = "internal_server_error"
		msg = "Internal Server Error"
	}

	payload := map[string]interface{}{
		"error": msg,
		"code":  code,
	}
	if retryable {
		payload["retryable"] = true
	}
	return httpCode, payload
}
