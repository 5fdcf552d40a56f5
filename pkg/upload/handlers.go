package upload

import (
	"io"
	"mime/multipart"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/readlogapp/readlog/pkg/webdav"
	echologger "github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/logger"
)

const successMessage = "Database imported successfully"

type handler struct {
	cfg          *config.Config
	orchestrator *imports.Orchestrator
}

type importResponse struct {
	Message string `json:"message"`
	*imports.Result
}

func (h *handler) upload(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := UploadPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	header := params.FormFiles["file"]
	if header == nil {
		return errcodes.BadRequest("No file uploaded")
	}
	if header.Size > h.cfg.UploadMaxSizeBytes() {
		return errcodes.PayloadTooLarge(h.cfg.UploadMaxSizeMB)
	}

	path, err := h.stage(header)
	if err != nil {
		echologger.FromEchoContext(c).Err(err).Error("failed to stage upload", logger.Data{"filename": header.Filename})
		return errcodes.TransientIO("Failed to store the uploaded file.")
	}

	// Submit owns the staged file from here on.
	res, err := h.orchestrator.Submit(ctx, imports.Submission{
		Source:   models.ImportSourceUploadedFile,
		Path:     path,
		DeviceID: params.DeviceID,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, importResponse{successMessage, res}))
}

func (h *handler) fromWebDAV(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := WebDAVPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	res, err := h.orchestrator.Submit(ctx, imports.Submission{
		Source: models.ImportSourcePulledFile,
		Pull: &webdav.PullRequest{
			URL:      params.URL,
			Folder:   params.Folder,
			Username: params.Username,
			Password: params.Password,
		},
		DeviceID: params.DeviceID,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, importResponse{successMessage, res}))
}

// stage copies the uploaded part into the data directory so the container
// can be opened as a database file.
func (h *handler) stage(header *multipart.FileHeader) (string, error) {
	src, err := header.Open()
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer src.Close()

	dst, err := os.CreateTemp(h.cfg.DataDir, "upload-*.sqlite3")
	if err != nil {
		return "", errors.WithStack(err)
	}

	_, err = io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst.Name())
		return "", errors.WithStack(err)
	}

	return dst.Name(), nil
}
