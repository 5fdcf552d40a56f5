package models

import (
	"github.com/uptrace/bun"
)

// PageStat is one reading-session fragment as reported by a single device.
// (BookMD5, DeviceID, StartTime) identifies it; StartTime and Duration are in
// whole seconds and TotalPages is the device's own pagination of the book.
type PageStat struct {
	bun.BaseModel `bun:"table:page_stats,alias:ps"`

	ID         int    `bun:",pk,nullzero" json:"-"`
	BookMD5    string `bun:"book_md5,notnull" json:"book_md5"`
	DeviceID   string `bun:",notnull" json:"device_id"`
	StartTime  int64  `bun:",notnull" json:"start_time"`
	Duration   int64  `bun:",notnull" json:"duration"`
	Page       int    `bun:",notnull" json:"page"`
	TotalPages int    `bun:",notnull" json:"total_pages"`
}

// End is the epoch second the session finished.
func (ps *PageStat) End() int64 {
	return ps.StartTime + ps.Duration
}
