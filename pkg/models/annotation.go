package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	AnnotationTypeHighlight = "highlight"
	AnnotationTypeNote      = "note"
	AnnotationTypeBookmark  = "bookmark"
)

// Annotation is a highlight, note, or bookmark. It is never physically
// removed; DeletedAt is a tombstone so that re-imports converge on deletion.
type Annotation struct {
	bun.BaseModel `bun:"table:annotations,alias:a"`

	ID              int        `bun:",pk,nullzero" json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	BookMD5         string     `bun:"book_md5,notnull" json:"book_md5"`
	DeviceID        string     `bun:",notnull" json:"device_id"`
	AnnotationType  string     `bun:",notnull" json:"annotation_type"`
	Pageno          int        `bun:",notnull" json:"pageno"`
	Datetime        time.Time  `bun:",notnull" json:"datetime"`
	PageRef         string     `json:"page_ref"`
	Chapter         *string    `json:"chapter"`
	Text            *string    `json:"text"`
	Note            *string    `json:"note"`
	Color           *string    `json:"color"`
	Drawer          *string    `json:"drawer"`
	TotalPages      *int       `json:"total_pages"`
	DatetimeUpdated time.Time  `bun:",notnull" json:"datetime_updated"`
	DeletedAt       *time.Time `json:"deleted_at"`
}

// AnnotationKey is the identity of an annotation across imports.
type AnnotationKey struct {
	BookMD5        string
	DeviceID       string
	AnnotationType string
	Pageno         int
	Datetime       int64
}

func (a *Annotation) Key() AnnotationKey {
	return AnnotationKey{
		BookMD5:        a.BookMD5,
		DeviceID:       a.DeviceID,
		AnnotationType: a.AnnotationType,
		Pageno:         a.Pageno,
		Datetime:       a.Datetime.Unix(),
	}
}

func (a *Annotation) IsDeleted() bool {
	return a.DeletedAt != nil
}
