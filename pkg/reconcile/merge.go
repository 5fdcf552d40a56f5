package reconcile

import (
	"time"

	"github.com/readlogapp/readlog/pkg/models"
)

// version is the point in time an annotation copy represents. A tombstone
// stamped later than the last edit counts from the deletion, so that only a
// strictly newer edit can bring the annotation back.
func version(a *models.Annotation) time.Time {
	v := a.DatetimeUpdated
	if v.IsZero() {
		v = a.Datetime
	}
	if a.DeletedAt != nil && a.DeletedAt.After(v) {
		v = *a.DeletedAt
	}
	return v
}

// supersedes reports whether incoming should replace stored. Newer wins and
// older never changes anything. On a tie the only change allowed is deletion.
func supersedes(stored, incoming *models.Annotation) bool {
	sv, iv := version(stored), version(incoming)
	switch {
	case iv.After(sv):
		return true
	case iv.Before(sv):
		return false
	}
	return incoming.IsDeleted() && !stored.IsDeleted()
}

// applyAnnotation copies incoming's content onto stored, keeping the row's
// identity and creation time.
func applyAnnotation(stored, incoming *models.Annotation, now time.Time) {
	stored.PageRef = incoming.PageRef
	stored.Chapter = incoming.Chapter
	stored.Text = incoming.Text
	stored.Note = incoming.Note
	stored.Color = incoming.Color
	stored.Drawer = incoming.Drawer
	stored.TotalPages = incoming.TotalPages
	stored.DatetimeUpdated = incoming.DatetimeUpdated
	stored.DeletedAt = incoming.DeletedAt
	stored.UpdatedAt = now
}
