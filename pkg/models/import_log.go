package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	ImportSourcePlugin       = "plugin"
	ImportSourceUploadedFile = "uploaded_file"
	ImportSourcePulledFile   = "pulled_file"
)

const (
	ImportStateReceived  = "received"
	ImportStateAdapting  = "adapting"
	ImportStateValidated = "validated"
	ImportStateUpserting = "upserting"
	ImportStateCommitted = "committed"
	ImportStateRejected  = "rejected"
	ImportStateFailed    = "failed"
)

// ImportLog records one import attempt and the state it ended in.
type ImportLog struct {
	bun.BaseModel `bun:"table:import_logs,alias:il"`

	ID                 string    `bun:",pk" json:"id"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	Source             string    `bun:",notnull" json:"source"`
	DeviceID           *string   `json:"device_id,omitempty"`
	State              string    `bun:",notnull" json:"state"`
	Error              *string   `json:"error,omitempty"`
	BooksCreated       int       `bun:",notnull" json:"books_created"`
	BooksUpdated       int       `bun:",notnull" json:"books_updated"`
	DevicesCreated     int       `bun:",notnull" json:"devices_created"`
	StatsWritten       int       `bun:",notnull" json:"stats_written"`
	AnnotationsWritten int       `bun:",notnull" json:"annotations_written"`
}

// Terminal reports whether the import can no longer change state.
func (il *ImportLog) Terminal() bool {
	switch il.State {
	case ImportStateCommitted, ImportStateRejected, ImportStateFailed:
		return true
	}
	return false
}
