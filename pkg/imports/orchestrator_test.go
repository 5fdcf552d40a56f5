package imports

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/readlogapp/readlog/internal/testgen"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/migrations"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/readlogapp/readlog/pkg/reconcile"
	"github.com/readlogapp/readlog/pkg/webdav"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const pluginBody = `{
	"version": "0.2.0",
	"books": [{"md5": "md5-dune", "title": "Dune", "authors": "Frank Herbert"}],
	"stats": [
		{"book_md5": "md5-dune", "device_id": "kobo-1", "start_time": 1700000000, "duration": 60, "page": 1, "total_pages": 300},
		{"book_md5": "md5-dune", "device_id": "kobo-1", "start_time": 1700000060000, "duration": 45.7, "page": 2, "total_pages": 300}
	],
	"annotations": {
		"md5-dune": [
			{"pageno": 2, "datetime": "2024-01-15 10:30:00", "text": "Fear is the mind-killer.", "pos0": "/body/p[1]"}
		]
	}
}`

func newTestDB(t *testing.T) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open(sqliteshim.ShimName, ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())

	_, err = migrations.BringUpToDate(context.Background(), db)
	require.NoError(t, err)

	t.Cleanup(func() {
		db.Close()
	})

	return db
}

type fakeFetcher struct {
	source string
	err    error
	calls  int
}

func (f *fakeFetcher) Fetch(_ context.Context, _ *webdav.PullRequest, dir string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	data, err := os.ReadFile(f.source)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "pulled-test.sqlite3")
	return path, os.WriteFile(path, data, 0o600)
}

func newTestOrchestrator(t *testing.T, fetcher Fetcher) (*Orchestrator, *bun.DB, *config.Config) {
	t.Helper()
	cfg := config.NewForTest()
	cfg.DataDir = t.TempDir()
	db := newTestDB(t)
	return New(cfg, db, reconcile.NewStore(db), fetcher), db, cfg
}

// writeStatistics creates a statistics file in dir and returns its path.
func writeStatistics(t *testing.T, dir string, userVersion int) string {
	t.Helper()

	opts := testgen.DefaultStatistics()
	opts.UserVersion = userVersion
	return testgen.GenerateStatistics(t, dir, "upload-"+strconv.Itoa(userVersion)+".sqlite3", opts)
}

func lastImport(t *testing.T, db *bun.DB) *models.ImportLog {
	t.Helper()
	il := &models.ImportLog{}
	err := db.NewSelect().Model(il).Order("il.created_at DESC").Limit(1).Scan(context.Background())
	require.NoError(t, err)
	return il
}

func errCode(t *testing.T, err error) string {
	t.Helper()
	var e *errcodes.Error
	require.ErrorAs(t, err, &e)
	return e.Code
}

func TestSubmit_Plugin(t *testing.T) {
	t.Parallel()

	o, db, _ := newTestOrchestrator(t, nil)

	res, err := o.Submit(context.Background(), Submission{
		Source: models.ImportSourcePlugin,
		Plugin: []byte(pluginBody),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, res.ImportID)
	assert.Equal(t, 1, res.Summary.BooksCreated)
	assert.Equal(t, 2, res.Summary.StatsWritten)
	assert.Equal(t, 1, res.Summary.AnnotationsWritten)

	il := lastImport(t, db)
	assert.Equal(t, res.ImportID, il.ID)
	assert.Equal(t, models.ImportStateCommitted, il.State)
	assert.Nil(t, il.Error)
	assert.Equal(t, 2, il.StatsWritten)

	var stats []*models.PageStat
	require.NoError(t, db.NewSelect().Model(&stats).Order("ps.start_time ASC").Scan(context.Background()))
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1700000060), stats[1].StartTime)
	assert.Equal(t, int64(45), stats[1].Duration)
}

func TestSubmit_PluginVersionGate(t *testing.T) {
	t.Parallel()

	o, db, cfg := newTestOrchestrator(t, nil)

	tests := []struct {
		name string
		body string
	}{
		{"old version", `{"version": "0.1.0", "books": [], "stats": []}`},
		{"missing version", `{"books": [], "stats": []}`},
	}

	for _, tt := range tests {
		_, err := o.Submit(context.Background(), Submission{Source: models.ImportSourcePlugin, Plugin: []byte(tt.body)})
		assert.Equal(t, "unsupported_version", errCode(t, err), tt.name)
		assert.Contains(t, err.Error(), cfg.PluginVersion, tt.name)

		il := lastImport(t, db)
		assert.Equal(t, models.ImportStateRejected, il.State, tt.name)
		require.NotNil(t, il.Error, tt.name)
	}

	n, err := db.NewSelect().Model((*models.Book)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSubmit_StateSequence(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, nil)
	var states []string
	o.observe = func(_, state string) {
		states = append(states, state)
	}

	_, err := o.Submit(context.Background(), Submission{
		Source: models.ImportSourcePlugin,
		Plugin: []byte(pluginBody),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{
		models.ImportStateAdapting,
		models.ImportStateValidated,
		models.ImportStateUpserting,
		models.ImportStateCommitted,
	}, states)

	// An invalid record is rejected without ever being marked validated.
	states = nil
	_, err = o.Submit(context.Background(), Submission{
		Source: models.ImportSourcePlugin,
		Plugin: []byte(`{
			"version": "0.2.0",
			"books": [{"md5": "md5-bad", "title": "Bad"}],
			"stats": [{"book_md5": "md5-bad", "device_id": "kobo-1", "start_time": 1700000000, "duration": 60, "page": 1, "total_pages": -1}]
		}`),
	})
	assert.Equal(t, "malformed_source", errCode(t, err))
	assert.Equal(t, []string{
		models.ImportStateAdapting,
		models.ImportStateRejected,
	}, states)
}

func TestSubmit_PluginMalformed(t *testing.T) {
	t.Parallel()

	o, db, _ := newTestOrchestrator(t, nil)

	_, err := o.Submit(context.Background(), Submission{
		Source: models.ImportSourcePlugin,
		Plugin: []byte(`{"version": "0.2.0", "books": [{"title": "No hash"}], "stats": []}`),
	})
	assert.Equal(t, "malformed_source", errCode(t, err))
	assert.Equal(t, models.ImportStateRejected, lastImport(t, db).State)
}

func TestSubmit_UploadedFile(t *testing.T) {
	t.Parallel()

	o, db, cfg := newTestOrchestrator(t, nil)
	path := writeStatistics(t, cfg.DataDir, testgen.CurrentUserVersion)

	res, err := o.Submit(context.Background(), Submission{
		Source: models.ImportSourceUploadedFile,
		Path:   path,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Summary.BooksCreated)
	assert.Equal(t, 1, res.Summary.DevicesCreated)
	assert.NoFileExists(t, path)

	device := &models.Device{}
	require.NoError(t, db.NewSelect().Model(device).Scan(context.Background()))
	assert.Equal(t, UploadedDeviceID, device.ID)
	assert.Equal(t, models.UnknownDeviceModel, device.Model)
}

func TestSubmit_UploadedFileWithUnknownPagination(t *testing.T) {
	t.Parallel()

	o, db, cfg := newTestOrchestrator(t, nil)
	opts := testgen.DefaultStatistics()
	opts.Sessions = append(opts.Sessions, testgen.StatisticsSession{
		BookID: 1, Page: 3, StartTime: 1700000120, Duration: 20, TotalPages: 0,
	})
	path := testgen.GenerateStatistics(t, cfg.DataDir, "statistics.sqlite3", opts)

	res, err := o.Submit(context.Background(), Submission{
		Source: models.ImportSourceUploadedFile,
		Path:   path,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.StatsWritten)

	n, err := db.NewSelect().Model((*models.PageStat)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, models.ImportStateCommitted, lastImport(t, db).State)
}

func TestSubmit_UploadedFileRemovedOnRejection(t *testing.T) {
	t.Parallel()

	o, db, cfg := newTestOrchestrator(t, nil)

	garbage := filepath.Join(cfg.DataDir, "garbage.sqlite3")
	require.NoError(t, os.WriteFile(garbage, []byte("definitely not sqlite"), 0o600))
	old := writeStatistics(t, cfg.DataDir, 20100101)

	_, err := o.Submit(context.Background(), Submission{Source: models.ImportSourceUploadedFile, Path: garbage})
	assert.Equal(t, "malformed_source", errCode(t, err))
	assert.NoFileExists(t, garbage)

	_, err = o.Submit(context.Background(), Submission{Source: models.ImportSourceUploadedFile, Path: old, DeviceID: "kobo-1"})
	assert.Equal(t, "unsupported_version", errCode(t, err))
	assert.NoFileExists(t, old)

	il := lastImport(t, db)
	assert.Equal(t, models.ImportStateRejected, il.State)
	require.NotNil(t, il.DeviceID)
	assert.Equal(t, "kobo-1", *il.DeviceID)
}

func TestSubmit_PulledFile(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{source: writeStatistics(t, t.TempDir(), testgen.CurrentUserVersion)}
	o, db, cfg := newTestOrchestrator(t, fetcher)

	res, err := o.Submit(context.Background(), Submission{
		Source:   models.ImportSourcePulledFile,
		Pull:     &webdav.PullRequest{URL: "https://dav.example.com"},
		DeviceID: "kindle-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
	assert.Equal(t, 2, res.Summary.StatsWritten)

	assert.True(t, testgen.EmptyDir(t, cfg.DataDir))

	n, err := db.NewSelect().Model((*models.PageStat)(nil)).Where("device_id = ?", "kindle-1").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubmit_PullFailure(t *testing.T) {
	t.Parallel()

	fetcher := &fakeFetcher{err: errcodes.TransientIO("Failed to import database from WebDAV")}
	o, db, _ := newTestOrchestrator(t, fetcher)

	_, err := o.Submit(context.Background(), Submission{
		Source: models.ImportSourcePulledFile,
		Pull:   &webdav.PullRequest{URL: "https://dav.example.com"},
	})
	assert.True(t, errcodes.IsRetryable(err))
	assert.Equal(t, models.ImportStateFailed, lastImport(t, db).State)
}

func TestSubmit_CancelledContext(t *testing.T) {
	t.Parallel()

	o, db, cfg := newTestOrchestrator(t, nil)
	path := writeStatistics(t, cfg.DataDir, testgen.CurrentUserVersion)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Submit(ctx, Submission{Source: models.ImportSourceUploadedFile, Path: path})
	require.ErrorIs(t, err, context.Canceled)
	assert.NoFileExists(t, path)

	// The failure is still recorded.
	assert.Equal(t, models.ImportStateFailed, lastImport(t, db).State)
	n, err := db.NewSelect().Model((*models.Book)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCheckPluginVersion(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, nil)
	require.NoError(t, o.CheckPluginVersion("0.2.0"))

	err := o.CheckPluginVersion("0.1.0")
	assert.Equal(t, "unsupported_version", errCode(t, err))
	assert.Contains(t, err.Error(), "Unsupported plugin version")
}

func TestListImports(t *testing.T) {
	t.Parallel()

	o, _, _ := newTestOrchestrator(t, nil)

	_, err := o.Submit(context.Background(), Submission{Source: models.ImportSourcePlugin, Plugin: []byte(pluginBody)})
	require.NoError(t, err)
	_, err = o.Submit(context.Background(), Submission{Source: models.ImportSourcePlugin, Plugin: []byte(`{"version": "0.0.1"}`)})
	require.Error(t, err)

	logs, total, err := o.ListImports(context.Background(), ListImportsOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, logs, 2)

	rejected := models.ImportStateRejected
	logs, total, err = o.ListImports(context.Background(), ListImportsOptions{State: &rejected})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, logs, 1)
	assert.Equal(t, models.ImportSourcePlugin, logs[0].Source)
}
