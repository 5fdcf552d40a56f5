package aggregate

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/uptrace/bun"
)

type ListSummariesOptions struct {
	ShowHidden bool
}

type ListPageStatsOptions struct {
	BookMD5  *string
	DeviceID *string
}

// BookSummary is a book as shown in listings.
type BookSummary struct {
	*models.Book
	TotalReadTime  int64    `json:"total_read_time"`
	TotalReadPages int      `json:"total_read_pages"`
	TotalPages     int      `json:"total_pages"`
	StartedReading *int64   `json:"started_reading"`
	LastOpen       *int64   `json:"last_open"`
	Notes          int      `json:"notes"`
	Highlights     int      `json:"highlights"`
	DeviceIDs      []string `json:"device_ids"`
}

// Overview is the library-wide reading summary.
type Overview struct {
	TotalReadTime int64            `json:"total_read_time"`
	TotalSessions int              `json:"total_sessions"`
	BooksRead     int              `json:"books_read"`
	PerMonth      map[string]int64 `json:"per_month"`
	ReadPerDay    map[string]int64 `json:"read_per_day"`
	CurrentStreak int              `json:"current_streak"`
	LongestStreak int              `json:"longest_streak"`
}

// Service loads raw rows and hands them to the pure compute functions. It
// takes no locks; a read racing an import may see the state just before it.
type Service struct {
	db  *bun.DB
	now func() time.Time
}

func NewService(db *bun.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// NewServiceWithClock is used where streaks must be computed against a fixed
// day.
func NewServiceWithClock(db *bun.DB, now func() time.Time) *Service {
	return &Service{db: db, now: now}
}

func (svc *Service) RetrieveBook(ctx context.Context, md5 string) (*models.Book, error) {
	book := &models.Book{}
	err := svc.db.NewSelect().
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

// Aggregate computes every derived metric of one book.
func (svc *Service) Aggregate(ctx context.Context, md5 string) (*BookAggregate, error) {
	book, err := svc.RetrieveBook(ctx, md5)
	if err != nil {
		return nil, err
	}

	stats, err := svc.ListPageStats(ctx, ListPageStatsOptions{BookMD5: &md5})
	if err != nil {
		return nil, err
	}
	annotations, err := svc.liveAnnotations(ctx, []string{md5}, nil)
	if err != nil {
		return nil, err
	}

	return Compute(book, stats, annotations, svc.now()), nil
}

// DeviceRollups summarizes the book per device, optionally for one device.
func (svc *Service) DeviceRollups(ctx context.Context, md5 string, deviceFilter *string) ([]*DeviceRollup, error) {
	if _, err := svc.RetrieveBook(ctx, md5); err != nil {
		return nil, err
	}

	stats, err := svc.ListPageStats(ctx, ListPageStatsOptions{BookMD5: &md5, DeviceID: deviceFilter})
	if err != nil {
		return nil, err
	}
	annotations, err := svc.liveAnnotations(ctx, []string{md5}, deviceFilter)
	if err != nil {
		return nil, err
	}

	var devices []*models.Device
	q := svc.db.NewSelect().Model(&devices)
	if deviceFilter != nil {
		q = q.Where("d.id = ?", *deviceFilter)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	deviceModels := make(map[string]string, len(devices))
	for _, d := range devices {
		deviceModels[d.ID] = d.Model
	}

	return Rollups(stats, annotations, deviceModels), nil
}

// ListSummaries lists books with their headline metrics, most recently read
// first. Stats and annotations are fetched in one query each and grouped here.
func (svc *Service) ListSummaries(ctx context.Context, opts ListSummariesOptions) ([]*BookSummary, error) {
	books := []*models.Book{}
	q := svc.db.NewSelect().
		Model(&books).
		Order("b.created_at ASC")
	if !opts.ShowHidden {
		q = q.Where("b.soft_deleted = ?", false)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	if len(books) == 0 {
		return []*BookSummary{}, nil
	}

	md5s := make([]string, 0, len(books))
	for _, b := range books {
		md5s = append(md5s, b.MD5)
	}

	var stats []*models.PageStat
	err := svc.db.NewSelect().
		Model(&stats).
		Where("ps.book_md5 IN (?)", bun.In(md5s)).
		Scan(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	statsByBook := map[string][]*models.PageStat{}
	for _, ps := range stats {
		statsByBook[ps.BookMD5] = append(statsByBook[ps.BookMD5], ps)
	}

	annotations, err := svc.liveAnnotations(ctx, md5s, nil)
	if err != nil {
		return nil, err
	}
	annotationsByBook := map[string][]*models.Annotation{}
	for _, a := range annotations {
		annotationsByBook[a.BookMD5] = append(annotationsByBook[a.BookMD5], a)
	}

	summaries := make([]*BookSummary, 0, len(books))
	for _, b := range books {
		bookStats := statsByBook[b.MD5]
		notes, highlights, _ := CountAnnotations(annotationsByBook[b.MD5])
		deviceIDs := []string{}
		for id := range lastSessions(bookStats) {
			deviceIDs = append(deviceIDs, id)
		}
		sort.Strings(deviceIDs)

		summaries = append(summaries, &BookSummary{
			Book:           b,
			TotalReadTime:  TotalReadTime(bookStats),
			TotalReadPages: TotalReadPages(b.ReferencePages, bookStats),
			TotalPages:     TotalPages(b.ReferencePages, bookStats),
			StartedReading: StartedReading(bookStats),
			LastOpen:       LastOpen(bookStats),
			Notes:          notes,
			Highlights:     highlights,
			DeviceIDs:      deviceIDs,
		})
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		li, lj := summaries[i].LastOpen, summaries[j].LastOpen
		switch {
		case li == nil && lj == nil:
			return strings.ToLower(summaries[i].Title) < strings.ToLower(summaries[j].Title)
		case li == nil:
			return false
		case lj == nil:
			return true
		}
		return *li > *lj
	})

	return summaries, nil
}

// Overview summarizes reading across every book.
func (svc *Service) Overview(ctx context.Context) (*Overview, error) {
	stats, err := svc.ListPageStats(ctx, ListPageStatsOptions{})
	if err != nil {
		return nil, err
	}

	books := map[string]struct{}{}
	for _, ps := range stats {
		books[ps.BookMD5] = struct{}{}
	}

	readPerDay := ReadPerDay(stats)
	current, longest := Streaks(readPerDay, svc.now())

	return &Overview{
		TotalReadTime: TotalReadTime(stats),
		TotalSessions: len(stats),
		BooksRead:     len(books),
		PerMonth:      PerMonth(stats),
		ReadPerDay:    readPerDay,
		CurrentStreak: current,
		LongestStreak: longest,
	}, nil
}

func (svc *Service) ListPageStats(ctx context.Context, opts ListPageStatsOptions) ([]*models.PageStat, error) {
	stats := []*models.PageStat{}
	q := svc.db.NewSelect().
		Model(&stats).
		Order("ps.start_time ASC", "ps.device_id ASC")
	if opts.BookMD5 != nil {
		q = q.Where("ps.book_md5 = ?", *opts.BookMD5)
	}
	if opts.DeviceID != nil {
		q = q.Where("ps.device_id = ?", *opts.DeviceID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	return stats, nil
}

func (svc *Service) liveAnnotations(ctx context.Context, md5s []string, deviceID *string) ([]*models.Annotation, error) {
	annotations := []*models.Annotation{}
	q := svc.db.NewSelect().
		Model(&annotations).
		Where("a.book_md5 IN (?)", bun.In(md5s)).
		Where("a.deleted_at IS NULL")
	if deviceID != nil {
		q = q.Where("a.device_id = ?", *deviceID)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, errors.WithStack(err)
	}
	return annotations, nil
}
