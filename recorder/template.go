package recorder

import (
	"bytes"
	"text/template"
	"time"
)

// DefaultOutPattern reproduces the classic output naming:
// TK_<user>_<Y.m.d_H-M-S>. The transport suffix (_flv.mp4 / _hls.ts) is
// appended by the recording loop.
const DefaultOutPattern = "TK_{{.User}}_{{.Start.Year}}.{{.Start.Month}}.{{.Start.Day}}_{{.Start.Hour}}-{{.Start.Minute}}-{{.Start.Second}}"

// Timestamp holds the broken-out date/time fields for a single point in time.
type Timestamp struct {
	Year   string // 4-digit year
	Month  string // 2-digit month (01-12)
	Day    string // 2-digit day (01-31)
	Hour   string // 2-digit hour, 24h (00-23)
	Minute string // 2-digit minute (00-59)
	Second string // 2-digit second (00-59)
	Unix   int64  // Unix epoch seconds
}

// NewTimestamp creates a Timestamp from a time.Time.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{
		Year:   t.Format("2006"),
		Month:  t.Format("01"),
		Day:    t.Format("02"),
		Hour:   t.Format("15"),
		Minute: t.Format("04"),
		Second: t.Format("05"),
		Unix:   t.Unix(),
	}
}

// TemplateData holds all variables available in output path templates.
//
// Usage examples:
//
//	{{.User}}_{{.Start.Year}}-{{.Start.Month}}-{{.Start.Day}}
//	{{.RoomID}}_{{.Start.Unix}}
type TemplateData struct {
	User   string // target username
	RoomID string // room id of the broadcast being recorded

	Start Timestamp // when this recording started
}

// NewTemplateData creates fully-populated template data.
func NewTemplateData(user, roomID string, start time.Time) *TemplateData {
	return &TemplateData{
		User:   user,
		RoomID: roomID,
		Start:  NewTimestamp(start),
	}
}

// RenderTemplate evaluates a Go text/template string with the given data.
func RenderTemplate(pattern string, data *TemplateData) (string, error) {
	tpl, err := template.New("path").Parse(pattern)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
