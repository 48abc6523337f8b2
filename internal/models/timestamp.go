package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// timestampLayouts are the textual formats accepted from the server and
// the realtime channel. Postgres renders timestamptz with a short zone
// ("+00") and timestamp without any zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a time that decodes from any of the server's timestamp
// encodings, including numeric unix seconds, and encodes as RFC 3339.
// The zero value encodes as null.
type Timestamp struct {
	time.Time
}

// NewTimestamp wraps t.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// ParseTimestamp parses s using the accepted layouts. Layouts without a
// zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

// UnixSeconds converts fractional unix seconds to a time.
func UnixSeconds(f float64) time.Time {
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// TimeFromJSON reads a raw JSON value (string or number) as a time.
// Returns false for null, empty or unparseable values.
func TimeFromJSON(raw []byte) (time.Time, bool) {
	var ts Timestamp
	if err := ts.UnmarshalJSON(raw); err != nil || ts.IsZero() {
		return time.Time{}, false
	}

	return ts.Time, true
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		if s == "" {
			t.Time = time.Time{}
			return nil
		}

		parsed, err := ParseTimestamp(s)
		if err != nil {
			return err
		}

		t.Time = parsed

		return nil
	}

	f, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("unrecognised timestamp %s", data)
	}

	t.Time = UnixSeconds(f)

	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}

	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}
