// Package imports runs one import attempt end to end: fetch, gate, adapt,
// upsert, and record. All three front doors go through Submit.
package imports

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/adapter"
	"github.com/readlogapp/readlog/pkg/config"
	"github.com/readlogapp/readlog/pkg/database"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/readlogapp/readlog/pkg/reconcile"
	"github.com/readlogapp/readlog/pkg/webdav"
	"github.com/robinjoseph08/golib/logger"
	"github.com/uptrace/bun"
)

// Statistics files don't say which device wrote them, so file imports are
// attributed to these ids unless the caller names a device.
const (
	UploadedDeviceID = "uploaded-statistics"
	PulledDeviceID   = "pulled-statistics"
)

type Submission struct {
	Source string
	// Plugin is the raw JSON body pushed by the plugin.
	Plugin []byte
	// Path is an uploaded statistics file. Submit removes it when done.
	Path     string
	Pull     *webdav.PullRequest
	DeviceID string
}

type Result struct {
	ImportID string                   `json:"import_id"`
	Summary  *reconcile.ImportSummary `json:"summary"`
}

// Fetcher downloads a remote statistics file into dir.
type Fetcher interface {
	Fetch(ctx context.Context, req *webdav.PullRequest, dir string) (string, error)
}

type Orchestrator struct {
	cfg     *config.Config
	db      *bun.DB
	store   *reconcile.Store
	fetcher Fetcher
	now     func() time.Time
	// observe, when set, sees every state an attempt enters.
	observe func(importID, state string)
}

func New(cfg *config.Config, db *bun.DB, store *reconcile.Store, fetcher Fetcher) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg,
		db:      db,
		store:   store,
		fetcher: fetcher,
		now:     time.Now,
	}
}

// CheckPluginVersion is the protocol gate for plugin requests.
func (o *Orchestrator) CheckPluginVersion(version string) error {
	if version != o.cfg.PluginVersion {
		return errcodes.UnsupportedVersion(fmt.Sprintf(
			"Unsupported plugin version. Version must be %s. Please update your KOReader plugin.",
			o.cfg.PluginVersion,
		))
	}
	return nil
}

// Submit imports one submission. Every attempt ends up in import_logs as
// committed, rejected, or failed, and any temporary file is removed whatever
// the outcome.
func (o *Orchestrator) Submit(ctx context.Context, sub Submission) (*Result, error) {
	if sub.Path != "" {
		defer o.removeTemp(ctx, sub.Path)
	}

	il := &models.ImportLog{
		ID:     uuid.NewString(),
		Source: sub.Source,
		State:  models.ImportStateReceived,
	}
	if sub.DeviceID != "" {
		il.DeviceID = &sub.DeviceID
	}

	log := logger.FromContext(ctx).Data(logger.Data{"import_id": il.ID, "source": il.Source})
	ctx = database.WithLogging(log.WithContext(ctx))

	o.begin(ctx, il)

	o.transition(ctx, il, models.ImportStateAdapting)
	batch, err := o.adapt(ctx, sub)
	if err != nil {
		return nil, o.fail(ctx, il, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, o.fail(ctx, il, errors.WithStack(err))
	}

	plan, err := reconcile.Validate(batch)
	if err != nil {
		return nil, o.fail(ctx, il, err)
	}
	o.transition(ctx, il, models.ImportStateValidated)

	o.transition(ctx, il, models.ImportStateUpserting)
	summary, err := o.store.Apply(ctx, plan)
	if err != nil {
		return nil, o.fail(ctx, il, err)
	}

	// The data is committed; the caller going away must not lose the record.
	ctx = context.WithoutCancel(ctx)
	il.BooksCreated = summary.BooksCreated
	il.BooksUpdated = summary.BooksUpdated
	il.DevicesCreated = summary.DevicesCreated
	il.StatsWritten = summary.StatsWritten
	il.AnnotationsWritten = summary.AnnotationsWritten
	o.transition(ctx, il, models.ImportStateCommitted)

	log.Info("import committed", logger.Data{
		"books_created":       summary.BooksCreated,
		"books_updated":       summary.BooksUpdated,
		"devices_created":     summary.DevicesCreated,
		"stats_written":       summary.StatsWritten,
		"annotations_written": summary.AnnotationsWritten,
	})

	return &Result{ImportID: il.ID, Summary: summary}, nil
}

func (o *Orchestrator) adapt(ctx context.Context, sub Submission) (*adapter.Batch, error) {
	switch sub.Source {
	case models.ImportSourcePlugin:
		return o.adaptPlugin(sub.Plugin)
	case models.ImportSourceUploadedFile:
		if sub.Path == "" {
			return nil, errcodes.BadRequest("No file uploaded")
		}
		return o.adaptFile(ctx, sub.Path, deviceOr(sub.DeviceID, UploadedDeviceID))
	case models.ImportSourcePulledFile:
		if sub.Pull == nil {
			return nil, errcodes.BadRequest("Missing url")
		}
		path, err := o.fetcher.Fetch(ctx, sub.Pull, o.cfg.DataDir)
		if err != nil {
			return nil, err
		}
		defer o.removeTemp(ctx, path)
		return o.adaptFile(ctx, path, deviceOr(sub.DeviceID, PulledDeviceID))
	}
	return nil, errors.Errorf("unknown import source %q", sub.Source)
}

func (o *Orchestrator) adaptPlugin(body []byte) (*adapter.Batch, error) {
	version, err := adapter.PeekVersion(body)
	if err != nil {
		return nil, err
	}
	if err := o.CheckPluginVersion(version); err != nil {
		return nil, err
	}
	payload, err := adapter.DecodePlugin(body)
	if err != nil {
		return nil, err
	}
	return adapter.AdaptPlugin(payload)
}

func (o *Orchestrator) adaptFile(ctx context.Context, path, deviceID string) (*adapter.Batch, error) {
	container, err := adapter.OpenContainer(ctx, path, adapter.ContainerLimits{
		MaxBytes: o.cfg.UploadMaxSizeBytes(),
		MaxRows:  o.cfg.MaxContainerRows,
	})
	if err != nil {
		return nil, err
	}
	defer container.Close()

	if v := container.SchemaVersion(); v < o.cfg.MinStatisticsSchemaVersion {
		return nil, errcodes.UnsupportedVersion(fmt.Sprintf(
			"Statistics database schema %d is too old. Version must be at least %d.",
			v, o.cfg.MinStatisticsSchemaVersion,
		))
	}

	return container.Extract(ctx, deviceID)
}

// fail records the terminal state for err and returns err unchanged.
// Problems with the input are rejections; everything else is a failure.
func (o *Orchestrator) fail(ctx context.Context, il *models.ImportLog, err error) error {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	state := models.ImportStateFailed
	var e *errcodes.Error
	if errors.As(err, &e) && !e.Retryable && e.HTTPCode < 500 {
		state = models.ImportStateRejected
	}

	msg := err.Error()
	if e != nil {
		msg = e.Message
	}
	il.Error = &msg
	o.transition(ctx, il, state)

	if state == models.ImportStateRejected {
		log.Warn("import rejected", logger.Data{"error": msg})
	} else {
		log.Err(err).Error("import failed")
	}
	return err
}

func (o *Orchestrator) begin(ctx context.Context, il *models.ImportLog) {
	now := o.now().UTC()
	il.CreatedAt = now
	il.UpdatedAt = now

	_, err := o.db.NewInsert().Model(il).Exec(context.WithoutCancel(ctx))
	if err != nil {
		logger.FromContext(ctx).Err(err).Error("failed to record import")
	}
	logger.FromContext(ctx).Info("import received")
}

// transition moves the attempt to state. Bookkeeping problems are logged and
// never change the outcome of the import.
func (o *Orchestrator) transition(ctx context.Context, il *models.ImportLog, state string) {
	log := logger.FromContext(ctx)
	if il.Terminal() {
		log.Warn("import already finished", logger.Data{"state": il.State, "to": state})
		return
	}
	log.Debug("import state change", logger.Data{"from": il.State, "to": state})

	il.State = state
	il.UpdatedAt = o.now().UTC()
	if o.observe != nil {
		o.observe(il.ID, state)
	}

	_, err := o.db.NewUpdate().
		Model(il).
		Column("state", "error", "updated_at", "books_created", "books_updated",
			"devices_created", "stats_written", "annotations_written").
		WherePK().
		Exec(context.WithoutCancel(ctx))
	if err != nil {
		log.Err(err).Error("failed to record import state", logger.Data{"state": state})
	}
}

func (o *Orchestrator) removeTemp(ctx context.Context, path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		logger.FromContext(ctx).Err(err).Warn("failed to remove temporary file", logger.Data{"path": path})
	}
}

func deviceOr(id, fallback string) string {
	if id = strings.TrimSpace(id); id != "" {
		return id
	}
	return fallback
}
