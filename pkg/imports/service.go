package imports

import (
	"context"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/models"
)

type ListImportsOptions struct {
	Limit  *int
	Offset *int
	Source *string
	State  *string
}

// ListImports returns recent attempts, newest first, with the total count.
func (o *Orchestrator) ListImports(ctx context.Context, opts ListImportsOptions) ([]*models.ImportLog, int, error) {
	logs := []*models.ImportLog{}

	q := o.db.
		NewSelect().
		Model(&logs).
		Order("il.created_at DESC", "il.id ASC")

	if opts.Limit != nil {
		q = q.Limit(*opts.Limit)
	}
	if opts.Offset != nil {
		q = q.Offset(*opts.Offset)
	}
	if opts.Source != nil {
		q = q.Where("il.source = ?", *opts.Source)
	}
	if opts.State != nil {
		q = q.Where("il.state = ?", *opts.State)
	}

	total, err := q.ScanAndCount(ctx)
	if err != nil {
		return nil, 0, errors.WithStack(err)
	}

	return logs, total, nil
}
