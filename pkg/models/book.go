package models

import (
	"time"

	"github.com/uptrace/bun"
)

const (
	BookStatusNone      = ""
	BookStatusReading   = "reading"
	BookStatusOnHold    = "on_hold"
	BookStatusComplete  = "complete"
	BookStatusAbandoned = "abandoned"
)

// Book is identified by the md5 the reading device computes from the book
// file. Title, authors, series, and language come from devices; status,
// reference pages, and soft deletion are only ever set by an operator.
type Book struct {
	bun.BaseModel `bun:"table:books,alias:b"`

	ID             int       `bun:",pk,nullzero" json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	MD5            string    `bun:"md5,notnull" json:"md5"`
	Title          string    `json:"title"`
	Authors        string    `json:"authors"`
	Series         string    `json:"series"`
	Language       string    `json:"language"`
	ReferencePages *int      `json:"reference_pages"`
	Status         string    `json:"status"`
	SoftDeleted    bool      `bun:",notnull" json:"soft_deleted"`
}

// ValidBookStatus reports whether status is one of the lifecycle values an
// operator may assign.
func ValidBookStatus(status string) bool {
	switch status {
	case BookStatusNone, BookStatusReading, BookStatusOnHold, BookStatusComplete, BookStatusAbandoned:
		return true
	}
	return false
}
