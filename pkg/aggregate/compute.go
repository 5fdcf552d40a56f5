// Package aggregate derives reading metrics from the stored page stats and
// annotations of a book. Nothing here is persisted; every value is recomputed
// from the raw rows on read, so it always reflects the current merge result.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/readlogapp/readlog/pkg/models"
)

const (
	dayLayout   = "2006-01-02"
	monthLayout = "2006-01"
)

// BookAggregate is the derived view of one book across all devices.
type BookAggregate struct {
	TotalReadTime   int64            `json:"total_read_time"`
	TotalReadPages  int              `json:"total_read_pages"`
	TotalPages      int              `json:"total_pages"`
	UniquePagesRead int              `json:"unique_pages_read"`
	StartedReading  *int64           `json:"started_reading"`
	LastOpen        *int64           `json:"last_open"`
	ReadPerDay      map[string]int64 `json:"read_per_day"`
	Notes           int              `json:"notes"`
	Highlights      int              `json:"highlights"`
	Bookmarks       int              `json:"bookmarks"`
	CurrentStreak   int              `json:"current_streak"`
	LongestStreak   int              `json:"longest_streak"`
}

// DeviceRollup summarizes one device's view of a book.
type DeviceRollup struct {
	DeviceID      string `json:"device_id"`
	Model         string `json:"model"`
	Pages         int    `json:"pages"`
	MaxPage       int    `json:"max_page"`
	TotalReadTime int64  `json:"total_read_time"`
	LastOpen      *int64 `json:"last_open"`
	Sessions      int    `json:"sessions"`
	Notes         int    `json:"notes"`
	Highlights    int    `json:"highlights"`
}

// Compute derives every aggregate for book from its stats and annotations.
// now only affects the current streak.
func Compute(book *models.Book, stats []*models.PageStat, annotations []*models.Annotation, now time.Time) *BookAggregate {
	readPerDay := ReadPerDay(stats)
	current, longest := Streaks(readPerDay, now)
	notes, highlights, bookmarks := CountAnnotations(annotations)

	return &BookAggregate{
		TotalReadTime:   TotalReadTime(stats),
		TotalReadPages:  TotalReadPages(book.ReferencePages, stats),
		TotalPages:      TotalPages(book.ReferencePages, stats),
		UniquePagesRead: UniquePagesRead(book.ReferencePages, stats),
		StartedReading:  StartedReading(stats),
		LastOpen:        LastOpen(stats),
		ReadPerDay:      readPerDay,
		Notes:           notes,
		Highlights:      highlights,
		Bookmarks:       bookmarks,
		CurrentStreak:   current,
		LongestStreak:   longest,
	}
}

func TotalReadTime(stats []*models.PageStat) int64 {
	var total int64
	for _, ps := range stats {
		total += ps.Duration
	}
	return total
}

// StartedReading is the earliest session start, or nil without sessions.
func StartedReading(stats []*models.PageStat) *int64 {
	var started *int64
	for _, ps := range stats {
		if started == nil || ps.StartTime < *started {
			v := ps.StartTime
			started = &v
		}
	}
	return started
}

// LastOpen is the latest end among each device's last session, or nil
// without sessions.
func LastOpen(stats []*models.PageStat) *int64 {
	var last *int64
	for _, ps := range lastSessions(stats) {
		end := ps.End()
		if last == nil || end > *last {
			last = &end
		}
	}
	return last
}

// lastSessions returns the latest-starting session per device.
func lastSessions(stats []*models.PageStat) map[string]*models.PageStat {
	latest := map[string]*models.PageStat{}
	for _, ps := range stats {
		if cur, ok := latest[ps.DeviceID]; !ok || ps.StartTime > cur.StartTime {
			latest[ps.DeviceID] = ps
		}
	}
	return latest
}

// ReadPerDay sums durations per UTC calendar day of the session start.
func ReadPerDay(stats []*models.PageStat) map[string]int64 {
	days := map[string]int64{}
	for _, ps := range stats {
		day := time.Unix(ps.StartTime, 0).UTC().Format(dayLayout)
		days[day] += ps.Duration
	}
	return days
}

// PerMonth sums durations per UTC calendar month of the session start.
func PerMonth(stats []*models.PageStat) map[string]int64 {
	months := map[string]int64{}
	for _, ps := range stats {
		month := time.Unix(ps.StartTime, 0).UTC().Format(monthLayout)
		months[month] += ps.Duration
	}
	return months
}

func hasReference(referencePages *int) bool {
	return referencePages != nil && *referencePages > 0
}

// TotalReadPages measures reading activity, not coverage. Each session adds
// one page of its device's pagination, rescaled to the reference page count
// when the book has one. Re-reading a page counts again.
func TotalReadPages(referencePages *int, stats []*models.PageStat) int {
	var total float64
	for _, ps := range stats {
		if hasReference(referencePages) && ps.TotalPages > 0 {
			total += float64(*referencePages) / float64(ps.TotalPages)
		} else {
			total++
		}
	}
	return int(math.Round(total))
}

// TotalPages is the reference page count when set, else the largest page
// count any device currently reports.
func TotalPages(referencePages *int, stats []*models.PageStat) int {
	if hasReference(referencePages) {
		return *referencePages
	}
	pages := 0
	for _, ps := range lastSessions(stats) {
		if ps.TotalPages > pages {
			pages = ps.TotalPages
		}
	}
	return pages
}

// UniquePagesRead is the best single-device coverage: distinct pages seen on
// a device, rescaled to the reference page count when set, capped at the
// book's total pages.
func UniquePagesRead(referencePages *int, stats []*models.PageStat) int {
	type coverage struct {
		pages      map[int]struct{}
		totalPages int
		latest     int64
	}
	perDevice := map[string]*coverage{}
	for _, ps := range stats {
		c, ok := perDevice[ps.DeviceID]
		if !ok {
			c = &coverage{pages: map[int]struct{}{}, latest: math.MinInt64}
			perDevice[ps.DeviceID] = c
		}
		c.pages[ps.Page] = struct{}{}
		if ps.StartTime >= c.latest {
			c.latest = ps.StartTime
			c.totalPages = ps.TotalPages
		}
	}

	best := 0
	for _, c := range perDevice {
		n := len(c.pages)
		if hasReference(referencePages) && c.totalPages > 0 {
			n = int(math.Round(float64(n) * float64(*referencePages) / float64(c.totalPages)))
		}
		if n > best {
			best = n
		}
	}

	if total := TotalPages(referencePages, stats); total > 0 && best > total {
		best = total
	}
	return best
}

// CountAnnotations counts live annotations by type. Tombstoned rows are
// skipped.
func CountAnnotations(annotations []*models.Annotation) (notes, highlights, bookmarks int) {
	for _, a := range annotations {
		if a.IsDeleted() {
			continue
		}
		switch a.AnnotationType {
		case models.AnnotationTypeNote:
			notes++
		case models.AnnotationTypeHighlight:
			highlights++
		case models.AnnotationTypeBookmark:
			bookmarks++
		}
	}
	return notes, highlights, bookmarks
}

// Streaks returns the current and longest runs of consecutive reading days.
// The current streak is only alive if its last day is today or yesterday.
func Streaks(readPerDay map[string]int64, now time.Time) (current, longest int) {
	days := make([]time.Time, 0, len(readPerDay))
	for key := range readPerDay {
		day, err := time.ParseInLocation(dayLayout, key, time.UTC)
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	if len(days) == 0 {
		return 0, 0
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	run := 1
	longest = 1
	for i := 1; i < len(days); i++ {
		if days[i].Sub(days[i-1]) == 24*time.Hour {
			run++
		} else {
			run = 1
		}
		if run > longest {
			longest = run
		}
	}

	today := now.UTC().Truncate(24 * time.Hour)
	last := days[len(days)-1]
	if last.Equal(today) || last.Equal(today.Add(-24*time.Hour)) {
		current = run
	}
	return current, longest
}

// Rollups builds per-device summaries. deviceModels maps device ids to model
// names; devices without stats still get a rollup when they annotated.
func Rollups(stats []*models.PageStat, annotations []*models.Annotation, deviceModels map[string]string) []*DeviceRollup {
	byDevice := map[string]*DeviceRollup{}
	get := func(id string) *DeviceRollup {
		r, ok := byDevice[id]
		if !ok {
			r = &DeviceRollup{DeviceID: id, Model: deviceModels[id]}
			if r.Model == "" {
				r.Model = models.UnknownDeviceModel
			}
			byDevice[id] = r
		}
		return r
	}

	for id, ps := range lastSessions(stats) {
		r := get(id)
		r.Pages = ps.TotalPages
		end := ps.End()
		r.LastOpen = &end
	}
	for _, ps := range stats {
		r := get(ps.DeviceID)
		r.TotalReadTime += ps.Duration
		r.Sessions++
		if ps.Page > r.MaxPage {
			r.MaxPage = ps.Page
		}
	}
	for _, a := range annotations {
		if a.IsDeleted() {
			continue
		}
		r := get(a.DeviceID)
		switch a.AnnotationType {
		case models.AnnotationTypeNote:
			r.Notes++
		case models.AnnotationTypeHighlight:
			r.Highlights++
		}
	}

	rollups := make([]*DeviceRollup, 0, len(byDevice))
	for _, r := range byDevice {
		rollups = append(rollups, r)
	}
	sort.Slice(rollups, func(i, j int) bool { return rollups[i].DeviceID < rollups[j].DeviceID })
	return rollups
}
