package books

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/aggregate"
	"github.com/readlogapp/readlog/pkg/models"
	echologger "github.com/robinjoseph08/golib/echo/v4/middleware/logger"
	"github.com/robinjoseph08/golib/logger"
)

type handler struct {
	bookService      *Service
	aggregateService *aggregate.Service
}

// BookDetail is a book with everything derived from its reading history.
type BookDetail struct {
	*models.Book
	*aggregate.BookAggregate
	Devices []*aggregate.DeviceRollup `json:"devices"`
	Stats   []*models.PageStat        `json:"stats"`
}

func (h *handler) list(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ListBooksQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	summaries, err := h.aggregateService.ListSummaries(ctx, aggregate.ListSummariesOptions{
		ShowHidden: params.ShowHidden,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, summaries))
}

func (h *handler) retrieve(c echo.Context) error {
	ctx := c.Request().Context()
	md5 := c.Param("md5")

	book, err := h.bookService.RetrieveBook(ctx, md5)
	if err != nil {
		return errors.WithStack(err)
	}

	agg, err := h.aggregateService.Aggregate(ctx, md5)
	if err != nil {
		return errors.WithStack(err)
	}
	devices, err := h.aggregateService.DeviceRollups(ctx, md5, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	stats, err := h.aggregateService.ListPageStats(ctx, aggregate.ListPageStatsOptions{BookMD5: &md5})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, &BookDetail{
		Book:          book,
		BookAggregate: agg,
		Devices:       devices,
		Stats:         stats,
	}))
}

func (h *handler) devices(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := DevicesQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	rollups, err := h.aggregateService.DeviceRollups(ctx, c.Param("md5"), params.DeviceID)
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, rollups))
}

func (h *handler) annotations(c echo.Context) error {
	ctx := c.Request().Context()
	md5 := c.Param("md5")

	// Bind params.
	params := ListAnnotationsQuery{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	if _, err := h.bookService.RetrieveBook(ctx, md5); err != nil {
		return errors.WithStack(err)
	}

	annotations, err := h.bookService.ListAnnotations(ctx, md5, ListAnnotationsOptions{
		DeviceID:       params.DeviceID,
		IncludeDeleted: params.IncludeDeleted,
	})
	if err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, annotations))
}

func (h *handler) hide(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := HidePayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	book, err := h.bookService.RetrieveBook(ctx, c.Param("md5"))
	if err != nil {
		return errors.WithStack(err)
	}

	opts := UpdateBookOptions{Columns: []string{}}
	if *params.Hidden != book.SoftDeleted {
		book.SoftDeleted = *params.Hidden
		opts.Columns = append(opts.Columns, "soft_deleted")
	}

	if err := h.bookService.UpdateBook(ctx, book, opts); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, book))
}

func (h *handler) updateReferencePages(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := ReferencePagesPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	book, err := h.bookService.RetrieveBook(ctx, c.Param("md5"))
	if err != nil {
		return errors.WithStack(err)
	}

	book.ReferencePages = params.ReferencePages
	if err := h.bookService.UpdateBook(ctx, book, UpdateBookOptions{Columns: []string{"reference_pages"}}); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, book))
}

func (h *handler) updateStatus(c echo.Context) error {
	ctx := c.Request().Context()

	// Bind params.
	params := StatusPayload{}
	if err := c.Bind(&params); err != nil {
		return errors.WithStack(err)
	}

	book, err := h.bookService.RetrieveBook(ctx, c.Param("md5"))
	if err != nil {
		return errors.WithStack(err)
	}

	opts := UpdateBookOptions{Columns: []string{}}
	if params.Status != book.Status {
		book.Status = params.Status
		opts.Columns = append(opts.Columns, "status")
	}

	if err := h.bookService.UpdateBook(ctx, book, opts); err != nil {
		return errors.WithStack(err)
	}

	return errors.WithStack(c.JSON(http.StatusOK, book))
}

// delete hides the book. Its stats stay so that re-imports can't resurrect
// a duplicate and history is kept.
func (h *handler) delete(c echo.Context) error {
	ctx := c.Request().Context()

	book, err := h.bookService.RetrieveBook(ctx, c.Param("md5"))
	if err != nil {
		return errors.WithStack(err)
	}

	if !book.SoftDeleted {
		book.SoftDeleted = true
		if err := h.bookService.UpdateBook(ctx, book, UpdateBookOptions{Columns: []string{"soft_deleted"}}); err != nil {
			return errors.WithStack(err)
		}
		echologger.FromEchoContext(c).Info("book soft deleted", logger.Data{"md5": book.MD5})
	}

	return errors.WithStack(c.JSON(http.StatusOK, map[string]string{"message": "Book deleted"}))
}
