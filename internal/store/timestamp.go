package store

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Zone-less layouts are read as UTC.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Timestamp is a creation time reported by a backend. Text decoded from a
// backend's JSON answer is kept and encoded back unchanged.
type Timestamp struct {
	time.Time
	raw string
}

// At wraps t, normalized to UTC.
func At(t time.Time) Timestamp {
	return Timestamp{Time: t.UTC()}
}

// UnmarshalJSON accepts any JSON string. The row it belongs to is already
// stored, so text that matches none of the known layouts is kept verbatim
// with a zero Time rather than rejected.
func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*ts = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return errors.Wrap(err, "created_at is not a string")
	}
	*ts = Timestamp{raw: s}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t.UTC()
			break
		}
	}
	return nil
}

// MarshalJSON writes the backend's original text when there is one.
func (ts Timestamp) MarshalJSON() ([]byte, error) {
	switch {
	case ts.raw != "":
		return json.Marshal(ts.raw)
	case ts.IsZero():
		return []byte("null"), nil
	default:
		return ts.Time.MarshalJSON()
	}
}
