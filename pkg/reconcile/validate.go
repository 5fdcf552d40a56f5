package reconcile

import (
	"fmt"
	"time"

	"github.com/readlogapp/readlog/pkg/adapter"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
)

// Plan is a validated batch with in-batch duplicates collapsed. Later page
// stats replace earlier ones with the same key; annotations with the same key
// go through the same merge rule the store applies.
type Plan struct {
	books       []*models.Book
	stats       []*models.PageStat
	annotations []*models.Annotation
	devices     []string

	// md5s holds every book the batch touches, for locking.
	md5s []string
	// external maps md5s referenced by stats or annotations but absent from
	// the batch's books to the first record that referenced them.
	external      map[string]string
	externalOrder []string
}

func invalid(label, format string, args ...interface{}) error {
	return errcodes.MalformedSource(label + ": " + fmt.Sprintf(format, args...))
}

// Validate checks the whole batch up front. Any invalid record rejects the
// batch, naming the record. References to books outside the batch are
// checked against the store by Apply.
func Validate(batch *adapter.Batch) (*Plan, error) {
	if batch == nil || len(batch.Books) == 0 {
		return nil, errcodes.EmptyImport()
	}

	p := &Plan{external: map[string]string{}}
	inBatch := map[string]*models.Book{}

	for i, b := range batch.Books {
		label := fmt.Sprintf("books[%d]", i)
		if b.MD5 == "" {
			return nil, invalid(label, "missing md5")
		}
		if existing, ok := inBatch[b.MD5]; ok {
			// Same book twice in one batch: fill gaps, keep the first.
			fillBook(existing, b)
			continue
		}
		// Devices never set operator fields.
		book := models.Book{
			MD5:      b.MD5,
			Title:    b.Title,
			Authors:  b.Authors,
			Series:   b.Series,
			Language: b.Language,
		}
		inBatch[b.MD5] = &book
		p.books = append(p.books, &book)
		p.md5s = append(p.md5s, b.MD5)
	}

	reference := func(label, md5 string) {
		if _, ok := inBatch[md5]; ok {
			return
		}
		if _, ok := p.external[md5]; !ok {
			p.external[md5] = label
			p.externalOrder = append(p.externalOrder, md5)
			p.md5s = append(p.md5s, md5)
		}
	}

	type statKey struct {
		md5      string
		deviceID string
		start    int64
	}
	statIndex := map[statKey]int{}
	for i, ps := range batch.PageStats {
		label := fmt.Sprintf("stats[%d]", i)
		switch {
		case ps.BookMD5 == "":
			return nil, invalid(label, "missing book_md5")
		case ps.DeviceID == "":
			return nil, invalid(label, "missing device_id")
		case ps.StartTime < 0:
			return nil, invalid(label, "start_time must not be negative")
		case ps.Duration < 0:
			return nil, invalid(label, "duration must not be negative")
		case ps.Page < 0:
			return nil, invalid(label, "page must not be negative")
		case ps.TotalPages < 0:
			// KOReader writes 0 when it never learned the pagination.
			return nil, invalid(label, "total_pages must not be negative")
		}
		reference(label, ps.BookMD5)

		stat := *ps
		stat.ID = 0
		key := statKey{ps.BookMD5, ps.DeviceID, ps.StartTime}
		if idx, ok := statIndex[key]; ok {
			p.stats[idx] = &stat
			continue
		}
		statIndex[key] = len(p.stats)
		p.stats = append(p.stats, &stat)
	}

	annotationIndex := map[models.AnnotationKey]int{}
	for i, a := range batch.Annotations {
		label := fmt.Sprintf("annotations[%d]", i)
		switch {
		case a.BookMD5 == "":
			return nil, invalid(label, "missing book_md5")
		case a.DeviceID == "":
			return nil, invalid(label, "missing device_id")
		case a.Datetime.IsZero():
			return nil, invalid(label, "missing datetime")
		case a.Pageno < 0:
			return nil, invalid(label, "pageno must not be negative")
		case a.TotalPages != nil && *a.TotalPages < 0:
			return nil, invalid(label, "total_pages must not be negative")
		}
		switch a.AnnotationType {
		case models.AnnotationTypeHighlight, models.AnnotationTypeNote, models.AnnotationTypeBookmark:
		default:
			return nil, invalid(label, "unknown annotation_type %q", a.AnnotationType)
		}
		reference(label, a.BookMD5)

		annotation := *a
		annotation.ID = 0
		// The datetime is part of the unique index, so every copy must render
		// identically.
		annotation.Datetime = annotation.Datetime.UTC().Truncate(time.Second)
		if annotation.DatetimeUpdated.IsZero() {
			annotation.DatetimeUpdated = annotation.Datetime
		}
		annotation.DatetimeUpdated = annotation.DatetimeUpdated.UTC()
		key := annotation.Key()
		if idx, ok := annotationIndex[key]; ok {
			if supersedes(p.annotations[idx], &annotation) {
				p.annotations[idx] = &annotation
			}
			continue
		}
		annotationIndex[key] = len(p.annotations)
		p.annotations = append(p.annotations, &annotation)
	}

	p.devices = (&adapter.Batch{PageStats: p.stats, Annotations: p.annotations}).DeviceIDs()

	return p, nil
}

// fillBook copies display fields onto dst only where dst has none.
func fillBook(dst, src *models.Book) bool {
	changed := false
	fill := func(d *string, s string) {
		if *d == "" && s != "" {
			*d = s
			changed = true
		}
	}
	fill(&dst.Title, src.Title)
	fill(&dst.Authors, src.Authors)
	fill(&dst.Series, src.Series)
	fill(&dst.Language, src.Language)
	return changed
}
