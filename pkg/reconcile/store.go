// Package reconcile persists canonical batches with at-most-one-copy
// semantics: books by md5, page stats by (book, device, start time), and
// annotations by their identity key under a last-writer-wins rule.
package reconcile

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/adapter"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// upsertChunkSize keeps multi-row statements well under SQLite's bound
// parameter limit.
const upsertChunkSize = 500

type ImportSummary struct {
	BooksCreated       int `json:"books_created"`
	BooksUpdated       int `json:"books_updated"`
	DevicesCreated     int `json:"devices_created"`
	StatsWritten       int `json:"stats_written"`
	AnnotationsWritten int `json:"annotations_written"`
}

type Store struct {
	db    *bun.DB
	locks *bookLocks
	now   func() time.Time
}

func NewStore(db *bun.DB) *Store {
	return &Store{
		db:    db,
		locks: &bookLocks{},
		now:   time.Now,
	}
}

// Upsert applies a whole batch in one transaction while holding the write
// lock of every book it touches. Validation failures are returned as is;
// anything that goes wrong once writing has started is a retryable
// persistence error and leaves the store untouched.
func (s *Store) Upsert(ctx context.Context, batch *adapter.Batch) (*ImportSummary, error) {
	p, err := Validate(batch)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, p)
}

// Apply writes a batch that already passed Validate.
func (s *Store) Apply(ctx context.Context, p *Plan) (*ImportSummary, error) {
	release, err := s.locks.acquire(ctx, p.md5s)
	if err != nil {
		return nil, err
	}
	defer release()

	summary := &ImportSummary{}
	err = s.db.RunInTx(ctx, &sql.TxOptions{}, func(ctx context.Context, tx bun.Tx) error {
		*summary = ImportSummary{}
		now := s.now().UTC()

		if err := checkExternalBooks(ctx, tx, p); err != nil {
			return err
		}

		for _, id := range p.devices {
			created, err := registerDevice(ctx, tx, id, models.UnknownDeviceModel, now)
			if err != nil {
				return err
			}
			if created {
				summary.DevicesCreated++
			}
		}

		created, updated, err := upsertBooks(ctx, tx, p.books, now)
		if err != nil {
			return err
		}
		summary.BooksCreated = created
		summary.BooksUpdated = updated

		if err := upsertPageStats(ctx, tx, p.stats); err != nil {
			return err
		}
		summary.StatsWritten = len(p.stats)

		written, err := mergeAnnotations(ctx, tx, p.annotations, now)
		if err != nil {
			return err
		}
		summary.AnnotationsWritten = written

		return nil
	})
	if err != nil {
		var e *errcodes.Error
		if errors.As(err, &e) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, errors.WithStack(ctx.Err())
		}
		logger.FromContext(ctx).Err(err).Error("import transaction rolled back")
		return nil, errcodes.Persistence("Failed to import database")
	}

	return summary, nil
}

// RegisterDevice records a device explicitly announced by the plugin. An
// existing device gets its last-seen time refreshed, and its model replaced
// when a real model arrives for a placeholder.
func (s *Store) RegisterDevice(ctx context.Context, id, model string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, errcodes.BadRequest("Missing device ID or model")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = models.UnknownDeviceModel
	}

	created, err := registerDevice(ctx, s.db, id, model, s.now().UTC())
	if err != nil {
		return false, errcodes.Persistence("Error registering device")
	}
	return created, nil
}

func registerDevice(ctx context.Context, db bun.IDB, id, model string, now time.Time) (bool, error) {
	device := &models.Device{
		ID:         id,
		CreatedAt:  now,
		LastSeenAt: now,
		Model:      model,
	}
	res, err := db.NewInsert().
		Model(device).
		On("CONFLICT (id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, errors.WithStack(err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		return true, nil
	}

	q := db.NewUpdate().
		Model((*models.Device)(nil)).
		Set("last_seen_at = ?", now).
		Where("id = ?", id)
	if model != models.UnknownDeviceModel {
		q = q.Set("model = ?", model)
	}
	if _, err := q.Exec(ctx); err != nil {
		return false, errors.WithStack(err)
	}
	return false, nil
}

// checkExternalBooks makes sure every book referenced only by stats or
// annotations already exists, so a page stat can never point at nothing.
func checkExternalBooks(ctx context.Context, tx bun.Tx, p *Plan) error {
	if len(p.externalOrder) == 0 {
		return nil
	}

	found := map[string]struct{}{}
	for _, chunk := range chunkStrings(p.externalOrder, upsertChunkSize) {
		var existing []string
		err := tx.NewSelect().
			Model((*models.Book)(nil)).
			Column("md5").
			Where("md5 IN (?)", bun.In(chunk)).
			Scan(ctx, &existing)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, md5 := range existing {
			found[md5] = struct{}{}
		}
	}

	for _, md5 := range p.externalOrder {
		if _, ok := found[md5]; !ok {
			return invalid(p.external[md5], "unknown book %q", md5)
		}
	}
	return nil
}

func upsertBooks(ctx context.Context, tx bun.Tx, books []*models.Book, now time.Time) (created, updated int, err error) {
	byMD5 := make(map[string]*models.Book, len(books))
	md5s := make([]string, 0, len(books))
	for _, b := range books {
		byMD5[b.MD5] = b
		md5s = append(md5s, b.MD5)
	}

	existing := map[string]*models.Book{}
	for _, chunk := range chunkStrings(md5s, upsertChunkSize) {
		var rows []*models.Book
		err := tx.NewSelect().
			Model(&rows).
			Where("b.md5 IN (?)", bun.In(chunk)).
			Scan(ctx)
		if err != nil {
			return 0, 0, errors.WithStack(err)
		}
		for _, row := range rows {
			existing[row.MD5] = row
		}
	}

	var inserts []*models.Book
	for _, md5 := range md5s {
		incoming := byMD5[md5]
		stored, ok := existing[md5]
		if !ok {
			incoming.CreatedAt = now
			incoming.UpdatedAt = now
			inserts = append(inserts, incoming)
			continue
		}
		if !fillBook(stored, incoming) {
			continue
		}
		stored.UpdatedAt = now
		_, err := tx.NewUpdate().
			Model(stored).
			Column("title", "authors", "series", "language", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return 0, 0, errors.WithStack(err)
		}
		updated++
	}

	for start := 0; start < len(inserts); start += upsertChunkSize {
		chunk := inserts[start:min(start+upsertChunkSize, len(inserts))]
		if _, err := tx.NewInsert().Model(&chunk).Exec(ctx); err != nil {
			return 0, 0, errors.WithStack(err)
		}
	}

	return len(inserts), updated, nil
}

// upsertPageStats inserts or overwrites by identity key. A device that
// re-exports a session with a corrected duration replaces the old values.
func upsertPageStats(ctx context.Context, tx bun.Tx, stats []*models.PageStat) error {
	for start := 0; start < len(stats); start += upsertChunkSize {
		chunk := stats[start:min(start+upsertChunkSize, len(stats))]
		_, err := tx.NewInsert().
			Model(&chunk).
			On("CONFLICT (book_md5, device_id, start_time) DO UPDATE").
			Set("duration = EXCLUDED.duration").
			Set("page = EXCLUDED.page").
			Set("total_pages = EXCLUDED.total_pages").
			Exec(ctx)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// mergeAnnotations inserts unseen annotations and replaces stored ones only
// where the incoming copy supersedes them. It returns how many rows changed.
func mergeAnnotations(ctx context.Context, tx bun.Tx, annotations []*models.Annotation, now time.Time) (int, error) {
	if len(annotations) == 0 {
		return 0, nil
	}

	md5s := make([]string, 0)
	for _, a := range annotations {
		md5s = append(md5s, a.BookMD5)
	}

	stored := map[models.AnnotationKey]*models.Annotation{}
	for _, chunk := range chunkStrings(uniqueSorted(md5s), upsertChunkSize) {
		var rows []*models.Annotation
		err := tx.NewSelect().
			Model(&rows).
			Where("a.book_md5 IN (?)", bun.In(chunk)).
			Scan(ctx)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		for _, row := range rows {
			stored[row.Key()] = row
		}
	}

	written := 0
	var inserts []*models.Annotation
	for _, incoming := range annotations {
		existing, ok := stored[incoming.Key()]
		if !ok {
			incoming.CreatedAt = now
			incoming.UpdatedAt = now
			inserts = append(inserts, incoming)
			continue
		}
		if !supersedes(existing, incoming) {
			continue
		}
		applyAnnotation(existing, incoming, now)
		_, err := tx.NewUpdate().
			Model(existing).
			Column("page_ref", "chapter", "text", "note", "color", "drawer", "total_pages",
				"datetime_updated", "deleted_at", "updated_at").
			WherePK().
			Exec(ctx)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		written++
	}

	for start := 0; start < len(inserts); start += upsertChunkSize {
		chunk := inserts[start:min(start+upsertChunkSize, len(inserts))]
		if _, err := tx.NewInsert().Model(&chunk).Exec(ctx); err != nil {
			return 0, errors.WithStack(err)
		}
	}
	written += len(inserts)

	return written, nil
}

func chunkStrings(values []string, size int) [][]string {
	var chunks [][]string
	for start := 0; start < len(values); start += size {
		chunks = append(chunks, values[start:min(start+size, len(values))])
	}
	return chunks
}
