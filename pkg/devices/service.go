package devices

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/uptrace/bun"
)

// DeviceSummary is a device with totals over the sessions it reported.
type DeviceSummary struct {
	*models.Device
	Books         int   `json:"books"`
	Sessions      int   `json:"sessions"`
	TotalReadTime int64 `json:"total_read_time"`
}

type deviceTotals struct {
	DeviceID      string `bun:"device_id"`
	Books         int    `bun:"books"`
	Sessions      int    `bun:"sessions"`
	TotalReadTime int64  `bun:"total_read_time"`
}

type Service struct {
	db *bun.DB
}

func NewService(db *bun.DB) *Service {
	return &Service{db}
}

func (svc *Service) RetrieveDevice(ctx context.Context, id string) (*DeviceSummary, error) {
	device := &models.Device{}
	err := svc.db.NewSelect().
		Model(device).
		Where("d.id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errcodes.NotFound("Device")
		}
		return nil, errors.WithStack(err)
	}

	totals, err := svc.totals(ctx, &id)
	if err != nil {
		return nil, err
	}
	return summarize(device, totals), nil
}

// ListDevices returns every known device, most recently seen first.
func (svc *Service) ListDevices(ctx context.Context) ([]*DeviceSummary, error) {
	devices := []*models.Device{}
	err := svc.db.NewSelect().
		Model(&devices).
		Order("d.last_seen_at DESC", "d.id ASC").
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	totals, err := svc.totals(ctx, nil)
	if err != nil {
		return nil, err
	}

	summaries := make([]*DeviceSummary, 0, len(devices))
	for _, d := range devices {
		summaries = append(summaries, summarize(d, totals))
	}
	return summaries, nil
}

func (svc *Service) totals(ctx context.Context, id *string) (map[string]deviceTotals, error) {
	rows := []deviceTotals{}
	q := svc.db.NewSelect().
		Model((*models.PageStat)(nil)).
		ColumnExpr("ps.device_id").
		ColumnExpr("COUNT(DISTINCT ps.book_md5) AS books").
		ColumnExpr("COUNT(*) AS sessions").
		ColumnExpr("COALESCE(SUM(ps.duration), 0) AS total_read_time").
		Group("ps.device_id")
	if id != nil {
		q = q.Where("ps.device_id = ?", *id)
	}
	if err := q.Scan(ctx, &rows); err != nil {
		return nil, errors.WithStack(err)
	}

	byDevice := make(map[string]deviceTotals, len(rows))
	for _, r := range rows {
		byDevice[r.DeviceID] = r
	}
	return byDevice, nil
}

func summarize(d *models.Device, totals map[string]deviceTotals) *DeviceSummary {
	t := totals[d.ID]
	return &DeviceSummary{
		Device:        d,
		Books:         t.Books,
		Sessions:      t.Sessions,
		TotalReadTime: t.TotalReadTime,
	}
}
