package ttime

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	FormatDateTime = "2006-01-02 15:04:05"
	FormatDate     = "2006-01-02"
)

// TimeFormat stores local-time TEXT columns and renders JSON without a zone
// offset. The zero value marshals to "" and writes NULL.
type TimeFormat struct {
	time.Time
}

/************** JSON **************/

func (m TimeFormat) MarshalJSON() ([]byte, error) {
	if m.Time.IsZero() {
		return json.Marshal("")
	}
	return json.Marshal(m.Time.In(time.Local).Format(FormatDateTime))
}

func (m *TimeFormat) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), "\"")
	if s == "" || s == "null" {
		*m = TimeFormat{}
		return nil
	}
	t, err := parseFlexible(s)
	if err != nil {
		return fmt.Errorf("ttime: cannot parse %q", s)
	}
	m.Time = t.In(time.Local)
	return nil
}

/************** SQL Scanner / Valuer **************/

func (m *TimeFormat) Scan(value interface{}) error {
	if value == nil {
		*m = TimeFormat{}
		return nil
	}
	switch v := value.(type) {
	case time.Time:
		*m = TimeFormat{Time: v.In(time.Local)}
		return nil
	case string:
		return m.scanFromString(v)
	case []byte:
		return m.scanFromString(string(v))
	default:
		return fmt.Errorf("ttime: unsupported src type %T", value)
	}
}

func (m *TimeFormat) scanFromString(s string) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "0000-00-00 00:00:00" {
		*m = TimeFormat{}
		return nil
	}
	t, err := parseFlexible(s)
	if err != nil {
		return fmt.Errorf("ttime: cannot parse %q", s)
	}
	*m = TimeFormat{Time: t.In(time.Local)}
	return nil
}

// Writes go out as local-time strings so the driver never re-encodes a
// time.Time into RFC3339 with an offset.
func (m TimeFormat) Value() (driver.Value, error) {
	if m.Time.IsZero() {
		return nil, nil
	}
	return m.Time.In(time.Local).Format(FormatDateTime), nil
}

/************** Flexible parser **************/

func parseFlexible(s string) (time.Time, error) {
	layouts := []string{
		"2006-01-02 15:04:05.999999999",
		FormatDateTime,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		time.RFC3339Nano,
		time.RFC3339,
		FormatDate,
	}
	var lastErr error
	for _, layout := range layouts {
		var (
			t   time.Time
			err error
		)
		if strings.ContainsAny(layout, "Z-") && strings.Contains(layout, "07") {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
