package books

import (
	"context"
	"database/sql"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/uptrace/bun"
)

type UpdateBookOptions struct {
	Columns []string
}

type ListAnnotationsOptions struct {
	DeviceID       *string
	IncludeDeleted bool
}

// Service handles the operator side of books. Device-supplied fields are only
// ever written by imports.
type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) RetrieveBook(ctx context.Context, md5 string) (*models.Book, error) {
	book := &models.Book{}

	err := svc.db.
		NewSelect().
		Model(book).
		Where("b.md5 = ?", md5).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Book")
		}
		return nil, errors.WithStack(err)
	}

	return book, nil
}

func (svc *Service) UpdateBook(ctx context.Context, book *models.Book, opts UpdateBookOptions) error {
	if len(opts.Columns) == 0 {
		return nil
	}
	if !models.ValidBookStatus(book.Status) {
		return errcodes.ValidationError("Invalid book status: " + book.Status)
	}

	book.UpdatedAt = time.Now()
	columns := append(slices.Clone(opts.Columns), "updated_at")

	_, err := svc.db.
		NewUpdate().
		Model(book).
		Column(columns...).
		WherePK().
		Exec(ctx)
	if err != nil {
		return errors.WithStack(err)
	}

	return nil
}

// ListAnnotations returns a book's annotations in reading order. Tombstoned
// annotations are left out unless asked for.
func (svc *Service) ListAnnotations(ctx context.Context, md5 string, opts ListAnnotationsOptions) ([]*models.Annotation, error) {
	annotations := []*models.Annotation{}

	q := svc.db.
		NewSelect().
		Model(&annotations).
		Where("a.book_md5 = ?", md5).
		Order("a.pageno ASC", "a.datetime ASC")

	if opts.DeviceID != nil {
		q = q.Where("a.device_id = ?", *opts.DeviceID)
	}
	if !opts.IncludeDeleted {
		q = q.Where("a.deleted_at IS NULL")
	}

	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}

	return annotations, nil
}
