package adapter

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/readlogapp/readlog/pkg/errcodes"
	"github.com/readlogapp/readlog/pkg/models"
	"github.com/segmentio/encoding/json"
)

// PluginPayload is the body the KOReader sync plugin posts to the import
// endpoint. Every supported protocol version decodes into this shape.
type PluginPayload struct {
	Version     string                        `json:"version"`
	DeviceID    string                        `json:"device_id,omitempty"`
	Books       []PluginBook                  `json:"books"`
	Stats       []PluginStat                  `json:"stats"`
	Annotations map[string][]PluginAnnotation `json:"annotations,omitempty"`
}

// PluginBook mirrors a row of KOReader's book table. Only the display fields
// are kept; the device-side counters are accepted and ignored because they are
// recomputed from stats and annotations.
type PluginBook struct {
	ID             Number `json:"id,omitempty"`
	MD5            string `json:"md5"`
	Title          string `json:"title"`
	Authors        string `json:"authors"`
	Series         string `json:"series"`
	Language       string `json:"language"`
	Notes          Number `json:"notes,omitempty"`
	Highlights     Number `json:"highlights,omitempty"`
	Pages          Number `json:"pages,omitempty"`
	LastOpen       Number `json:"last_open,omitempty"`
	TotalReadTime  Number `json:"total_read_time,omitempty"`
	TotalReadPages Number `json:"total_read_pages,omitempty"`
}

type PluginStat struct {
	BookMD5    string `json:"book_md5"`
	DeviceID   string `json:"device_id"`
	StartTime  Number `json:"start_time"`
	Duration   Number `json:"duration"`
	Page       Number `json:"page"`
	TotalPages Number `json:"total_pages"`
}

// PluginAnnotation is one entry of KOReader's annotation list for a book.
// Page and the positions are xpointers for reflowable documents and numbers
// or objects for fixed layout ones, so they are kept raw.
type PluginAnnotation struct {
	DeviceID        string          `json:"device_id,omitempty"`
	AnnotationType  string          `json:"annotation_type,omitempty"`
	Chapter         *string         `json:"chapter"`
	Datetime        string          `json:"datetime"`
	DatetimeUpdated string          `json:"datetime_updated,omitempty"`
	Drawer          *string         `json:"drawer"`
	Color           *string         `json:"color"`
	Text            *string         `json:"text"`
	Note            *string         `json:"note"`
	Page            json.RawMessage `json:"page,omitempty"`
	Pageno          Number          `json:"pageno"`
	PageRef         *string         `json:"page_ref,omitempty"`
	Pos0            json.RawMessage `json:"pos0,omitempty"`
	Pos1            json.RawMessage `json:"pos1,omitempty"`
	TotalPages      Number          `json:"total_pages,omitempty"`
	Deleted         bool            `json:"deleted,omitempty"`
	DeletedAt       string          `json:"deleted_at,omitempty"`
}

// pluginPayloadV1 is the original protocol, which had no annotations and no
// payload-level device id.
type pluginPayloadV1 struct {
	Version string       `json:"version"`
	Books   []PluginBook `json:"books"`
	Stats   []PluginStat `json:"stats"`
}

type pluginDecoder func(data []byte) (*PluginPayload, error)

var pluginSchemas = map[string]pluginDecoder{
	"0.1.0": func(data []byte) (*PluginPayload, error) {
		v1 := &pluginPayloadV1{}
		if err := decodeStrict(data, v1); err != nil {
			return nil, err
		}
		return &PluginPayload{Version: v1.Version, Books: v1.Books, Stats: v1.Stats}, nil
	},
	"0.2.0": func(data []byte) (*PluginPayload, error) {
		p := &PluginPayload{}
		if err := decodeStrict(data, p); err != nil {
			return nil, err
		}
		return p, nil
	},
}

// SupportedPluginVersions lists the protocol versions this build can decode.
func SupportedPluginVersions() []string {
	versions := make([]string, 0, len(pluginSchemas))
	for v := range pluginSchemas {
		versions = append(versions, v)
	}
	sort.Strings(versions)
	return versions
}

// PeekVersion reads only the version field of a plugin body so the protocol
// gate can run before the body is decoded against a schema.
func PeekVersion(data []byte) (string, error) {
	var envelope struct {
		Version json.RawMessage `json:"version"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", errcodes.MalformedSource("Plugin payload is not a JSON object.")
	}
	if len(envelope.Version) == 0 || bytes.Equal(envelope.Version, []byte("null")) {
		return "", nil
	}
	var version string
	if err := json.Unmarshal(envelope.Version, &version); err != nil {
		return string(envelope.Version), nil
	}
	return version, nil
}

// DecodePlugin decodes a plugin body against the schema registered for its
// version. Unknown versions and unknown fields are rejected.
func DecodePlugin(data []byte) (*PluginPayload, error) {
	version, err := PeekVersion(data)
	if err != nil {
		return nil, err
	}
	decode, ok := pluginSchemas[version]
	if !ok {
		return nil, errcodes.UnsupportedVersion(fmt.Sprintf(
			"Unsupported plugin version %q. Supported versions: %s", version, strings.Join(SupportedPluginVersions(), ", ")))
	}
	return decode(data)
}

var unknownFieldRE = regexp.MustCompile(`unknown field "(.*)"`)

func decodeStrict(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if matches := unknownFieldRE.FindStringSubmatch(err.Error()); len(matches) > 1 {
			return errcodes.MalformedSource(fmt.Sprintf("Unknown field %q in plugin payload.", matches[1]))
		}
		return errcodes.MalformedSource("Malformed plugin payload: " + err.Error())
	}
	return nil
}

// AdaptPlugin flattens a decoded plugin payload into a batch. It only checks
// shape (presence of identity fields and numbers); semantic validation is the
// store's job.
func AdaptPlugin(p *PluginPayload) (*Batch, error) {
	if p == nil {
		return nil, errcodes.MalformedSource("Plugin payload is empty.")
	}

	batch := &Batch{}
	booksByMD5 := map[string]*models.Book{}

	for i, pb := range p.Books {
		md5 := strings.TrimSpace(pb.MD5)
		if md5 == "" {
			return nil, errcodes.MalformedSource(fmt.Sprintf("books[%d]: missing md5", i))
		}
		if existing, ok := booksByMD5[md5]; ok {
			fillEmpty(&existing.Title, pb.Title)
			fillEmpty(&existing.Authors, pb.Authors)
			fillEmpty(&existing.Series, pb.Series)
			fillEmpty(&existing.Language, pb.Language)
			continue
		}
		book := &models.Book{
			MD5:      md5,
			Title:    strings.TrimSpace(pb.Title),
			Authors:  strings.TrimSpace(pb.Authors),
			Series:   strings.TrimSpace(pb.Series),
			Language: strings.TrimSpace(pb.Language),
		}
		booksByMD5[md5] = book
		batch.Books = append(batch.Books, book)
	}

	statDevices := map[string]struct{}{}
	for i, s := range p.Stats {
		label := fmt.Sprintf("stats[%d]", i)
		md5 := strings.TrimSpace(s.BookMD5)
		if md5 == "" {
			return nil, errcodes.MalformedSource(label + ": missing book_md5")
		}
		deviceID := firstNonEmpty(s.DeviceID, p.DeviceID)
		if deviceID == "" {
			return nil, errcodes.MalformedSource(label + ": missing device_id")
		}
		for _, f := range []struct {
			name string
			n    Number
		}{
			{"start_time", s.StartTime},
			{"duration", s.Duration},
			{"page", s.Page},
			{"total_pages", s.TotalPages},
		} {
			if !f.n.Valid {
				return nil, errcodes.MalformedSource(fmt.Sprintf("%s: missing %s", label, f.name))
			}
		}
		statDevices[deviceID] = struct{}{}
		batch.PageStats = append(batch.PageStats, &models.PageStat{
			BookMD5:    md5,
			DeviceID:   deviceID,
			StartTime:  NormalizeEpoch(s.StartTime.Value),
			Duration:   NormalizeDuration(s.Duration.Value),
			Page:       s.Page.Int(),
			TotalPages: s.TotalPages.Int(),
		})
	}

	// Annotations don't always carry a device. When every stat in the payload
	// came from one device, that device is the author.
	implicitDevice := p.DeviceID
	if implicitDevice == "" && len(statDevices) == 1 {
		for id := range statDevices {
			implicitDevice = id
		}
	}

	md5s := make([]string, 0, len(p.Annotations))
	for md5 := range p.Annotations {
		md5s = append(md5s, md5)
	}
	sort.Strings(md5s)

	for _, md5 := range md5s {
		for j, pa := range p.Annotations[md5] {
			label := fmt.Sprintf("annotations[%s][%d]", md5, j)
			a, err := adaptAnnotation(strings.TrimSpace(md5), firstNonEmpty(pa.DeviceID, implicitDevice), pa)
			if err != nil {
				return nil, errcodes.MalformedSource(label + ": " + err.Error())
			}
			batch.Annotations = append(batch.Annotations, a)
		}
	}

	return batch, nil
}

func adaptAnnotation(md5, deviceID string, pa PluginAnnotation) (*models.Annotation, error) {
	if md5 == "" {
		return nil, errors.New("missing book md5")
	}
	if deviceID == "" {
		return nil, errors.New("missing device_id")
	}

	datetime, ok := ParseTime(pa.Datetime)
	if !ok {
		return nil, errors.Errorf("invalid datetime %q", pa.Datetime)
	}
	updated := datetime
	if pa.DatetimeUpdated != "" {
		updated, ok = ParseTime(pa.DatetimeUpdated)
		if !ok {
			return nil, errors.Errorf("invalid datetime_updated %q", pa.DatetimeUpdated)
		}
	}

	pageno := pa.Pageno
	if !pageno.Valid {
		// Fixed layout documents only send page.
		var n Number
		if len(pa.Page) > 0 && n.UnmarshalJSON(pa.Page) == nil && n.Valid {
			pageno = n
		}
	}
	if !pageno.Valid {
		return nil, errors.New("missing pageno")
	}

	annotationType := pa.AnnotationType
	switch annotationType {
	case models.AnnotationTypeHighlight, models.AnnotationTypeNote, models.AnnotationTypeBookmark:
	case "":
		annotationType = deriveAnnotationType(pa)
	default:
		return nil, errors.Errorf("unknown annotation_type %q", annotationType)
	}

	pageRef := strconv.Itoa(pageno.Int())
	if pa.PageRef != nil && strings.TrimSpace(*pa.PageRef) != "" {
		pageRef = *pa.PageRef
	}

	a := &models.Annotation{
		BookMD5:         md5,
		DeviceID:        deviceID,
		AnnotationType:  annotationType,
		Pageno:          pageno.Int(),
		Datetime:        datetime,
		PageRef:         pageRef,
		Chapter:         pa.Chapter,
		Text:            pa.Text,
		Note:            pa.Note,
		Color:           pa.Color,
		Drawer:          pa.Drawer,
		DatetimeUpdated: updated,
	}
	if pa.TotalPages.Valid {
		tp := pa.TotalPages.Int()
		a.TotalPages = &tp
	}

	switch {
	case pa.DeletedAt != "":
		deletedAt, ok := ParseTime(pa.DeletedAt)
		if !ok {
			return nil, errors.Errorf("invalid deleted_at %q", pa.DeletedAt)
		}
		a.DeletedAt = &deletedAt
	case pa.Deleted:
		deletedAt := updated
		a.DeletedAt = &deletedAt
	}

	return a, nil
}

// deriveAnnotationType follows KOReader: an annotation without a start
// position is a bookmark, one with a note is a note, anything else is a
// highlight.
func deriveAnnotationType(pa PluginAnnotation) string {
	if len(pa.Pos0) == 0 || bytes.Equal(bytes.TrimSpace(pa.Pos0), []byte("null")) {
		return models.AnnotationTypeBookmark
	}
	if pa.Note != nil && strings.TrimSpace(*pa.Note) != "" {
		return models.AnnotationTypeNote
	}
	return models.AnnotationTypeHighlight
}

func fillEmpty(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
