package dosing

import (
	"encoding/json"
	"fmt"
	"time"
)

const dateLayout = "2006-01-02"

// Date is a calendar day on the wire. It accepts "2006-01-02" as well as a
// full RFC 3339 timestamp, whose time of day is dropped.
type Date struct {
	time.Time
}

func (d Date) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Format(dateLayout))
}

func (d *Date) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("date must be a string: %w", err)
	}
	for _, layout := range []string{dateLayout, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, day := t.Date()
			d.Time = time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
			return nil
		}
	}
	return fmt.Errorf("invalid date %q: want YYYY-MM-DD", s)
}
