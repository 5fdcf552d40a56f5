package plugin

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/readlogapp/readlog/pkg/binder"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/imports"
	"github.com/readlogapp/readlog/pkg/migrations"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/readlogapp/readlog/pkg/ratelimit"
	"github.com/readlogapp/readlog/pkg/reconcile"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
)

const pluginVersion = "0.2.0"

func setupTestDB(t *testing.T) *bun.DB {
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

func setupTestServer(t *testing.T, db *bun.DB, burst int) *echo.Echo {
	t.Helper()

	cfg := config.NewForTest()
	cfg.DataDir = t.TempDir()
	return setupTestServerWithConfig(t, db, cfg, burst, 1000)
}

func setupTestServerWithConfig(t *testing.T, db *bun.DB, cfg *config.Config, deviceBurst, clientBurst int) *echo.Echo {
	t.Helper()

	e := echo.New()
	b, err := binder.New()
	require.NoError(t, err)
	e.Binder = b
	e.HTTPErrorHandler = errcodes.NewHandler().Handle

	store := reconcile.NewStore(db)
	deviceLimiter := ratelimit.New(0.001, deviceBurst)
	clientLimiter := ratelimit.New(0.001, clientBurst)
	t.Cleanup(deviceLimiter.Stop)
	t.Cleanup(clientLimiter.Stop)

	RegisterRoutesWithGroup(e.Group("/api/plugin"), cfg, imports.New(cfg, db, store, nil), store, deviceLimiter, clientLimiter)
	return e
}

func do(t *testing.T, e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	out := map[string]interface{}{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRegisterDevice(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	e := setupTestServer(t, db, 10)

	rec := do(t, e, http.MethodPost, "/api/plugin/device", `{"id": "device-123", "model": "Kindle Paperwhite", "version": "0.2.0"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "Device registered successfully", body["message"])
	assert.Equal(t, true, body["created"])

	rec = do(t, e, http.MethodPost, "/api/plugin/device", `{"id": "device-123", "model": "Kindle Paperwhite", "version": "0.2.0"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, decode(t, rec)["created"])

	device := &models.Device{}
	require.NoError(t, db.NewSelect().Model(device).Where("d.id = ?", "device-123").Scan(context.Background()))
	assert.Equal(t, "Kindle Paperwhite", device.Model)
}

func TestRegisterDevice_Rejections(t *testing.T) {
	t.Parallel()

	e := setupTestServer(t, setupTestDB(t), 10)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing id", `{"model": "Kindle", "version": "0.2.0"}`, "Missing device ID or model"},
		{"missing model", `{"id": "device-123", "version": "0.2.0"}`, "Missing device ID or model"},
		{"old version", `{"id": "device-123", "model": "Kindle", "version": "0.1.0"}`, "Unsupported plugin version"},
		{"missing version", `{"id": "device-123", "model": "Kindle"}`, "Unsupported plugin version"},
	}

	for _, tt := range tests {
		rec := do(t, e, http.MethodPost, "/api/plugin/device", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		assert.Contains(t, decode(t, rec)["error"], tt.want, tt.name)
	}
}

func TestImport(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	e := setupTestServer(t, db, 10)

	payload := `{
		"version": "0.2.0",
		"books": [{"md5": "abc123", "title": "Test Book", "authors": "Author", "pages": 100}],
		"stats": [{"book_md5": "abc123", "device_id": "device-123", "start_time": 1000, "duration": 60, "page": 1, "total_pages": 100}],
		"annotations": {}
	}`

	rec := do(t, e, http.MethodPost, "/api/plugin/import", payload)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decode(t, rec)
	assert.Equal(t, "Upload successful", body["message"])
	assert.NotEmpty(t, body["import_id"])

	// Importing again changes nothing.
	rec = do(t, e, http.MethodPost, "/api/plugin/import", payload)
	require.Equal(t, http.StatusOK, rec.Code)

	n, err := db.NewSelect().Model((*models.PageStat)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestImport_Rejections(t *testing.T) {
	t.Parallel()

	e := setupTestServer(t, setupTestDB(t), 10)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"old version", `{"version": "0.1.0", "books": [], "stats": []}`, "unsupported_version"},
		{"unknown field", `{"version": "0.2.0", "books": [], "stats": [], "extra": 1}`, "malformed_source"},
		{"no books", `{"version": "0.2.0", "books": [], "stats": []}`, "empty_import"},
		{"not json", `version=0.2.0`, "malformed_source"},
	}

	for _, tt := range tests {
		rec := do(t, e, http.MethodPost, "/api/plugin/import", tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, tt.name)
		assert.Equal(t, tt.code, decode(t, rec)["code"], tt.name)
	}
}

func TestImport_RateLimited(t *testing.T) {
	t.Parallel()

	e := setupTestServer(t, setupTestDB(t), 1)
	body := `{"version": "0.1.0", "device_id": "kobo-1", "books": [], "stats": []}`

	rec := do(t, e, http.MethodPost, "/api/plugin/import", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, e, http.MethodPost, "/api/plugin/import", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Another device has its own budget.
	rec = do(t, e, http.MethodPost, "/api/plugin/import", `{"version": "0.1.0", "device_id": "kobo-2"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImport_TooLarge(t *testing.T) {
	t.Parallel()

	db := setupTestDB(t)
	cfg := config.NewForTest()
	cfg.DataDir = t.TempDir()
	cfg.PluginMaxSizeMB = 1
	e := setupTestServerWithConfig(t, db, cfg, 10, 10)

	padding := strings.Repeat("x", 2*1024*1024)
	body := `{"version": "0.2.0", "books": [{"md5": "abc123", "title": "` + padding + `"}], "stats": []}`

	rec := do(t, e, http.MethodPost, "/api/plugin/import", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decode(t, rec)["code"])

	n, err := db.NewSelect().Model((*models.Book)(nil)).Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestImport_TooLargeWithoutContentLength(t *testing.T) {
	t.Parallel()

	cfg := config.NewForTest()
	cfg.DataDir = t.TempDir()
	cfg.PluginMaxSizeMB = 1
	e := setupTestServerWithConfig(t, setupTestDB(t), cfg, 10, 10)

	body := `{"version": "0.2.0", "books": [{"md5": "abc123", "title": "` + strings.Repeat("x", 2*1024*1024) + `"}]}`
	req := httptest.NewRequest(http.MethodPost, "/api/plugin/import", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.ContentLength = -1
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "payload_too_large", decode(t, rec)["code"])
}

func TestImport_ClientRateLimited(t *testing.T) {
	t.Parallel()

	cfg := config.NewForTest()
	cfg.DataDir = t.TempDir()
	e := setupTestServerWithConfig(t, setupTestDB(t), cfg, 10, 1)

	rec := do(t, e, http.MethodPost, "/api/plugin/import", `{"version": "0.1.0", "device_id": "kobo-1"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// A different device from the same address is still over budget.
	rec = do(t, e, http.MethodPost, "/api/plugin/import", `{"version": "0.1.0", "device_id": "kobo-2"}`)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Device registration isn't limited.
	rec = do(t, e, http.MethodPost, "/api/plugin/device", `{"id": "kobo-2", "model": "Clara", "version": "0.2.0"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	e := setupTestServer(t, setupTestDB(t), 10)

	rec := do(t, e, http.MethodGet, "/api/plugin/health?version="+pluginVersion, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Plugin is healthy", decode(t, rec)["message"])

	rec = do(t, e, http.MethodGet, "/api/plugin/health", `{"version": "0.2.0"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, e, http.MethodGet, "/api/plugin/health", `{"version": "0.1.0"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "Unsupported plugin version")
}

func TestRateLimitKey(t *testing.T) {
	t.Parallel()

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.1.1.1:1234"
	c := e.NewContext(req, httptest.NewRecorder())

	assert.Equal(t, "device:a", rateLimitKey(c, []byte(`{"device_id": "a"}`)))
	assert.Equal(t, "device:b", rateLimitKey(c, []byte(`{"stats": [{"device_id": "b"}, {"device_id": "b"}]}`)))
	assert.Equal(t, "ip:10.1.1.1", rateLimitKey(c, []byte(`{"stats": [{"device_id": "b"}, {"device_id": "c"}]}`)))
	assert.Equal(t, "ip:10.1.1.1", rateLimitKey(c, []byte(`nope`)))
}
