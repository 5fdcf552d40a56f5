package reconcile

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/readlogapp/readlog/pkg/adapter"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/migrations"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/robinjoseph08/golib/pointerutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	// Every connection to :memory: is its own database.
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

func newTestStore(t *testing.T) (*Store, *bun.DB) {
	t.Helper()
	db := newTestDB(t)
	s := NewStore(db)
	s.now = func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) }
	return s, db
}

func ts(s string) time.Time {
	t, ok := adapter.ParseTime(s)
	if !ok {
		panic("bad time " + s)
	}
	return t
}

func tsp(s string) *time.Time {
	t := ts(s)
	return &t
}

func duneBatch(deviceID string, stats ...*models.PageStat) *adapter.Batch {
	for _, ps := range stats {
		ps.BookMD5 = "md5-dune"
		ps.DeviceID = deviceID
	}
	return &adapter.Batch{
		Books:     []*models.Book{{MD5: "md5-dune", Title: "Dune", Authors: "Frank Herbert"}},
		PageStats: stats,
	}
}

func countRows(t *testing.T, db *bun.DB, model interface{}) int {
	t.Helper()
	n, err := db.NewSelect().Model(model).Count(context.Background())
	require.NoError(t, err)
	return n
}

func TestUpsert_Idempotent(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	build := func() *adapter.Batch {
		b := duneBatch("kobo",
			&models.PageStat{StartTime: 1000, Duration: 60, Page: 1, TotalPages: 300},
			&models.PageStat{StartTime: 1060, Duration: 30, Page: 2, TotalPages: 300},
		)
		b.Annotations = []*models.Annotation{{
			BookMD5: "md5-dune", DeviceID: "kobo", AnnotationType: models.AnnotationTypeHighlight,
			Pageno: 2, Datetime: ts("2024-01-01 10:00:00"), PageRef: "2", Text: pointerutil.String("The spice must flow"),
		}}
		return b
	}

	first, err := s.Upsert(ctx, build())
	require.NoError(t, err)
	assert.Equal(t, &ImportSummary{BooksCreated: 1, DevicesCreated: 1, StatsWritten: 2, AnnotationsWritten: 1}, first)

	second, err := s.Upsert(ctx, build())
	require.NoError(t, err)
	assert.Equal(t, 0, second.BooksCreated)
	assert.Equal(t, 0, second.DevicesCreated)
	assert.Equal(t, 0, second.AnnotationsWritten)

	assert.Equal(t, 1, countRows(t, db, (*models.Book)(nil)))
	assert.Equal(t, 1, countRows(t, db, (*models.Device)(nil)))
	assert.Equal(t, 2, countRows(t, db, (*models.PageStat)(nil)))
	assert.Equal(t, 1, countRows(t, db, (*models.Annotation)(nil)))
}

func TestUpsert_PageStatReexportOverwrites(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, duneBatch("kobo", &models.PageStat{StartTime: 1000, Duration: 60, Page: 1, TotalPages: 300}))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, duneBatch("kobo", &models.PageStat{StartTime: 1000, Duration: 75, Page: 2, TotalPages: 310}))
	require.NoError(t, err)

	var stats []*models.PageStat
	require.NoError(t, db.NewSelect().Model(&stats).Scan(ctx))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(75), stats[0].Duration)
	assert.Equal(t, 2, stats[0].Page)
	assert.Equal(t, 310, stats[0].TotalPages)
}

func TestUpsert_BooksKeepOperatorFields(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, &adapter.Batch{Books: []*models.Book{{MD5: "md5-dune", Title: "Dune"}}})
	require.NoError(t, err)

	pages := 412
	_, err = db.NewUpdate().Model((*models.Book)(nil)).
		Set("reference_pages = ?", pages).
		Set("status = ?", models.BookStatusReading).
		Set("soft_deleted = ?", true).
		Where("md5 = ?", "md5-dune").
		Exec(ctx)
	require.NoError(t, err)

	summary, err := s.Upsert(ctx, &adapter.Batch{Books: []*models.Book{{
		MD5: "md5-dune", Title: "Dune (Deluxe)", Authors: "Frank Herbert",
		ReferencePages: new(int), Status: models.BookStatusAbandoned,
	}}})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksUpdated)

	book := &models.Book{}
	require.NoError(t, db.NewSelect().Model(book).Where("md5 = ?", "md5-dune").Scan(ctx))
	assert.Equal(t, "Dune", book.Title, "non-empty display fields are never overwritten")
	assert.Equal(t, "Frank Herbert", book.Authors, "empty display fields are filled")
	require.NotNil(t, book.ReferencePages)
	assert.Equal(t, 412, *book.ReferencePages)
	assert.Equal(t, models.BookStatusReading, book.Status)
	assert.True(t, book.SoftDeleted)
}

func TestUpsert_EmptyImport(t *testing.T) {
	s, db := newTestStore(t)

	_, err := s.Upsert(context.Background(), &adapter.Batch{})
	require.Error(t, err)

	var e *errcodes.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "empty_import", e.Code)
	assert.Equal(t, 0, countRows(t, db, (*models.Book)(nil)))
}

func TestUpsert_InvalidRecordRejectsWholeBatch(t *testing.T) {
	s, db := newTestStore(t)

	batch := &adapter.Batch{
		Books: []*models.Book{{MD5: "good"}, {MD5: "also-good"}},
		PageStats: []*models.PageStat{
			{BookMD5: "good", DeviceID: "kobo", StartTime: 1, Duration: 5, Page: 1, TotalPages: 10},
			{BookMD5: "also-good", DeviceID: "kobo", StartTime: 2, Duration: 5, Page: 1, TotalPages: -1},
		},
	}

	_, err := s.Upsert(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, "stats[1]: total_pages must not be negative", err.Error())
	assert.False(t, errcodes.IsRetryable(err))

	assert.Equal(t, 0, countRows(t, db, (*models.Book)(nil)))
	assert.Equal(t, 0, countRows(t, db, (*models.PageStat)(nil)))
	assert.Equal(t, 0, countRows(t, db, (*models.Device)(nil)))
}

func TestUpsert_UnknownPagination(t *testing.T) {
	s, db := newTestStore(t)

	batch := &adapter.Batch{
		Books: []*models.Book{{MD5: "legacy"}},
		PageStats: []*models.PageStat{
			{BookMD5: "legacy", DeviceID: "kobo", StartTime: 1, Duration: 5, Page: 1, TotalPages: 0},
			{BookMD5: "legacy", DeviceID: "kobo", StartTime: 2, Duration: 5, Page: 2, TotalPages: 120},
		},
	}

	summary, err := s.Upsert(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.StatsWritten)
	assert.Equal(t, 2, countRows(t, db, (*models.PageStat)(nil)))
}

func TestUpsert_UnknownBookReference(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	batch := &adapter.Batch{
		Books: []*models.Book{{MD5: "known"}},
		PageStats: []*models.PageStat{
			{BookMD5: "known", DeviceID: "kobo", StartTime: 1, Duration: 5, Page: 1, TotalPages: 10},
			{BookMD5: "ghost", DeviceID: "kobo", StartTime: 2, Duration: 5, Page: 1, TotalPages: 10},
		},
	}

	_, err := s.Upsert(ctx, batch)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `stats[1]: unknown book "ghost"`)

	// Nothing from the batch survives, including the valid pair.
	assert.Equal(t, 0, countRows(t, db, (*models.Book)(nil)))
	assert.Equal(t, 0, countRows(t, db, (*models.PageStat)(nil)))

	// Once the book exists, stats may reference it without carrying it.
	_, err = s.Upsert(ctx, &adapter.Batch{Books: []*models.Book{{MD5: "ghost"}}})
	require.NoError(t, err)
	_, err = s.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 2, countRows(t, db, (*models.PageStat)(nil)))
}

func TestUpsert_RegistersUnknownDevicesWithPlaceholder(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	summary, err := s.Upsert(ctx, duneBatch("mystery", &models.PageStat{StartTime: 1, Duration: 5, Page: 1, TotalPages: 10}))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.DevicesCreated)

	device := &models.Device{}
	require.NoError(t, db.NewSelect().Model(device).Where("id = ?", "mystery").Scan(ctx))
	assert.Equal(t, models.UnknownDeviceModel, device.Model)

	// A later explicit registration fills in the real model.
	created, err := s.RegisterDevice(ctx, "mystery", "Kobo Libra 2")
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, db.NewSelect().Model(device).Where("id = ?", "mystery").Scan(ctx))
	assert.Equal(t, "Kobo Libra 2", device.Model)

	// Stats never downgrade it back to the placeholder.
	_, err = s.Upsert(ctx, duneBatch("mystery", &models.PageStat{StartTime: 2, Duration: 5, Page: 1, TotalPages: 10}))
	require.NoError(t, err)
	require.NoError(t, db.NewSelect().Model(device).Where("id = ?", "mystery").Scan(ctx))
	assert.Equal(t, "Kobo Libra 2", device.Model)
}

func TestRegisterDevice(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	created, err := s.RegisterDevice(ctx, "device-123", "Kindle Paperwhite")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.RegisterDevice(ctx, "device-123", "Kindle Paperwhite")
	require.NoError(t, err)
	assert.False(t, created)

	_, err = s.RegisterDevice(ctx, "  ", "Kindle")
	require.Error(t, err)
}

func annotationVersion(updated string, deleted *time.Time, text string) *adapter.Batch {
	return &adapter.Batch{
		Books: []*models.Book{{MD5: "md5-dune"}},
		Annotations: []*models.Annotation{{
			BookMD5:         "md5-dune",
			DeviceID:        "kobo",
			AnnotationType:  models.AnnotationTypeNote,
			Pageno:          12,
			Datetime:        ts("2024-01-01 10:00:00"),
			PageRef:         "12",
			Note:            pointerutil.String(text),
			DatetimeUpdated: ts(updated),
			DeletedAt:       deleted,
		}},
	}
}

func storedAnnotation(t *testing.T, db *bun.DB) *models.Annotation {
	t.Helper()
	var rows []*models.Annotation
	require.NoError(t, db.NewSelect().Model(&rows).Scan(context.Background()))
	require.Len(t, rows, 1)
	return rows[0]
}

func TestUpsert_AnnotationMerge_NewerWinsInBothOrders(t *testing.T) {
	older := func() *adapter.Batch { return annotationVersion("2024-01-02 10:00:00", nil, "T1") }
	newer := func() *adapter.Batch { return annotationVersion("2024-01-03 10:00:00", nil, "T2") }

	for name, order := range map[string][]func() *adapter.Batch{
		"T1 then T2": {older, newer},
		"T2 then T1": {newer, older},
	} {
		t.Run(name, func(t *testing.T) {
			s, db := newTestStore(t)
			ctx := context.Background()

			for _, batch := range order {
				_, err := s.Upsert(ctx, batch())
				require.NoError(t, err)
			}

			a := storedAnnotation(t, db)
			require.NotNil(t, a.Note)
			assert.Equal(t, "T2", *a.Note)
			assert.True(t, ts("2024-01-03 10:00:00").Equal(a.DatetimeUpdated))
		})
	}
}

func TestUpsert_TombstoneMonotonic(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	deletedAt := tsp("2024-01-05 10:00:00")
	_, err := s.Upsert(ctx, annotationVersion("2024-01-05 10:00:00", deletedAt, "deleted"))
	require.NoError(t, err)

	// Same or older versions without a tombstone never resurrect it.
	for _, updated := range []string{"2024-01-01 10:00:00", "2024-01-04 23:59:59", "2024-01-05 10:00:00"} {
		summary, err := s.Upsert(ctx, annotationVersion(updated, nil, "stale"))
		require.NoError(t, err)
		assert.Equal(t, 0, summary.AnnotationsWritten, updated)

		a := storedAnnotation(t, db)
		require.NotNil(t, a.DeletedAt, updated)
		assert.Equal(t, "deleted", *a.Note)
	}

	// A strictly newer edit wins.
	_, err = s.Upsert(ctx, annotationVersion("2024-01-06 10:00:00", nil, "revived"))
	require.NoError(t, err)
	a := storedAnnotation(t, db)
	assert.Nil(t, a.DeletedAt)
	assert.Equal(t, "revived", *a.Note)
}

func TestUpsert_TombstoneLaterThanEdit(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	// Edited on the 2nd, deleted on the 5th.
	_, err := s.Upsert(ctx, annotationVersion("2024-01-02 10:00:00", tsp("2024-01-05 10:00:00"), "x"))
	require.NoError(t, err)

	// An edit from the 4th is older than the deletion.
	_, err = s.Upsert(ctx, annotationVersion("2024-01-04 10:00:00", nil, "y"))
	require.NoError(t, err)

	a := storedAnnotation(t, db)
	assert.NotNil(t, a.DeletedAt)
}

func TestUpsert_TombstoneAppliedOnTie(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, annotationVersion("2024-01-05 10:00:00", nil, "live"))
	require.NoError(t, err)

	summary, err := s.Upsert(ctx, annotationVersion("2024-01-05 10:00:00", tsp("2024-01-05 10:00:00"), "live"))
	require.NoError(t, err)
	assert.Equal(t, 1, summary.AnnotationsWritten)
	assert.NotNil(t, storedAnnotation(t, db).DeletedAt)
}

func TestUpsert_DuplicateKeysInOneBatch(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	batch := duneBatch("kobo",
		&models.PageStat{StartTime: 1000, Duration: 10, Page: 1, TotalPages: 100},
		&models.PageStat{StartTime: 1000, Duration: 20, Page: 2, TotalPages: 100},
	)
	batch.Annotations = append(
		annotationVersion("2024-01-03 10:00:00", nil, "newer").Annotations,
		annotationVersion("2024-01-02 10:00:00", nil, "older").Annotations...,
	)

	summary, err := s.Upsert(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.StatsWritten)
	assert.Equal(t, 1, summary.AnnotationsWritten)

	var stats []*models.PageStat
	require.NoError(t, db.NewSelect().Model(&stats).Scan(ctx))
	require.Len(t, stats, 1)
	assert.Equal(t, int64(20), stats[0].Duration)
	assert.Equal(t, "newer", *storedAnnotation(t, db).Note)
}

func TestUpsert_CrossDeviceUnion(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	_, err := s.Upsert(ctx, duneBatch("kobo", &models.PageStat{StartTime: 1000, Duration: 60, Page: 1, TotalPages: 300}))
	require.NoError(t, err)
	_, err = s.Upsert(ctx, duneBatch("kindle", &models.PageStat{StartTime: 1000, Duration: 40, Page: 1, TotalPages: 250}))
	require.NoError(t, err)

	assert.Equal(t, 2, countRows(t, db, (*models.PageStat)(nil)), "same start time on two devices are two sessions")
	assert.Equal(t, 2, countRows(t, db, (*models.Device)(nil)))
}

func TestUpsert_ConcurrentImportsSameBook(t *testing.T) {
	s, db := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.Upsert(ctx, duneBatch("kobo",
				&models.PageStat{StartTime: int64(1000 + i), Duration: 10, Page: i, TotalPages: 100},
			))
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, 1, countRows(t, db, (*models.Book)(nil)))
	assert.Equal(t, 8, countRows(t, db, (*models.PageStat)(nil)))
}

func TestUpsert_CancelledBeforeCommit(t *testing.T) {
	s, db := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Upsert(ctx, duneBatch("kobo", &models.PageStat{StartTime: 1, Duration: 1, Page: 1, TotalPages: 1}))
	require.Error(t, err)
	assert.Equal(t, 0, countRows(t, db, (*models.Book)(nil)))
}
