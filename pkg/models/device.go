package models

import (
	"time"

	"github.com/uptrace/bun"
)

// UnknownDeviceModel is the placeholder model for devices first seen through
// their statistics instead of an explicit registration.
const UnknownDeviceModel = "Unknown device"

type Device struct {
	bun.BaseModel `bun:"table:devices,alias:d"`

	ID         string    `bun:",pk" json:"id"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt time.Time `json:"last_seen_at"`
	Model      string    `bun:",notnull" json:"model"`
}
