// Package adapter translates the raw shapes KOReader devices produce (the
// sync plugin's JSON payload and the statistics.sqlite3 container) into one
// canonical batch of books, page stats, and annotations.
package adapter

import (
	"math"
	"strings"
	"time"

	"github.com/readlogapp/readlog/pkg/models"
)

// Batch is the canonical form of one import. Nothing in it has been persisted
// or validated against the store yet.
type Batch struct {
	Books       []*models.Book
	PageStats   []*models.PageStat
	Annotations []*models.Annotation
}

// Empty reports whether the batch carries no records at all.
func (b *Batch) Empty() bool {
	return len(b.Books) == 0 && len(b.PageStats) == 0 && len(b.Annotations) == 0
}

// DeviceIDs returns every device referenced by the batch, in first-seen order.
func (b *Batch) DeviceIDs() []string {
	seen := map[string]struct{}{}
	ids := []string{}
	add := func(id string) {
		if _, ok := seen[id]; ok || id == "" {
			return
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for _, ps := range b.PageStats {
		add(ps.DeviceID)
	}
	for _, a := range b.Annotations {
		add(a.DeviceID)
	}
	return ids
}

// millisecondThreshold separates epoch seconds from epoch milliseconds. 1e11
// seconds is in the year 5138, and 1e11 milliseconds is in 1973, so any
// plausible reading session lands on the right side.
const millisecondThreshold = 1e11

// NormalizeEpoch converts a start time in seconds, fractional seconds, or
// milliseconds into whole epoch seconds.
func NormalizeEpoch(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	if math.Abs(v) > millisecondThreshold {
		v /= 1000
	}
	return int64(math.Floor(v))
}

// NormalizeDuration floors a duration to whole seconds. Durations are never
// reported in milliseconds by KOReader, so no magnitude check happens here.
func NormalizeDuration(v float64) int64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return int64(math.Floor(v))
}

var timeLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

// ParseTime parses the timestamp formats KOReader and its plugin emit.
// Timestamps without a zone are read as UTC, and everything is truncated to
// whole seconds so identity keys compare equal across channels.
func ParseTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC().Truncate(time.Second), true
		}
	}
	return time.Time{}, false
}
