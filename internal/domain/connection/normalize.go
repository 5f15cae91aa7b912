package connection

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// Partner payloads put the result list under one of these keys, tried in
// order. A "data" object is searched one level down with the same keys.
var listKeys = []string{"vaccines", "vaccinations", "data"}

var counterKeys = struct {
	total, upToDate, pending, overdue []string
}{
	total:    []string{"total", "total_vaccines"},
	upToDate: []string{"up_to_date", "upToDate", "applied"},
	pending:  []string{"pending"},
	overdue:  []string{"overdue", "late"},
}

var (
	nameKeys   = []string{"name", "vaccine_name", "vaccine"}
	dateKeys   = []string{"date", "application_date", "applied_at", "scheduled_date"}
	doseKeys   = []string{"dose", "dose_number", "dose_label"}
	statusKeys = []string{"status", "situation"}
)

var statusBuckets = map[string]string{
	"up_to_date": VaccineUpToDate, "uptodate": VaccineUpToDate, "applied": VaccineUpToDate,
	"completed": VaccineUpToDate, "done": VaccineUpToDate,
	"pending": VaccinePending, "scheduled": VaccinePending, "due": VaccinePending,
	"overdue": VaccineOverdue, "late": VaccineOverdue, "delayed": VaccineOverdue,
}

// Normalize turns a partner data payload into a VaccinationSummary. Explicit
// counters in the payload win; missing ones are derived from the items.
func Normalize(provider Provider, patientID uuid.UUID, payload map[string]any, now time.Time) *VaccinationSummary {
	items := extractItems(payload)
	sum := &VaccinationSummary{
		Provider:    provider,
		PatientID:   patientID,
		Items:       make([]VaccineRecord, 0, len(items)),
		Alerts:      []ClinicalAlert{},
		LastUpdated: now.UTC(),
	}

	for _, key := range []string{"last_updated", "updated_at", "lastUpdated"} {
		if t, ok := timeField(payload, key); ok {
			sum.LastUpdated = t
			break
		}
	}

	var derivedUpToDate, derivedPending, derivedOverdue int
	for i, raw := range items {
		rec := toRecord(raw, i)
		switch rec.Status {
		case VaccineUpToDate:
			derivedUpToDate++
		case VaccinePending:
			derivedPending++
		case VaccineOverdue:
			derivedOverdue++
			sum.Alerts = append(sum.Alerts, ClinicalAlert{
				ID:        "overdue-" + rec.ID,
				Source:    string(provider),
				Level:     AlertWarning,
				Message:   fmt.Sprintf("%s is overdue", displayName(rec)),
				CreatedAt: sum.LastUpdated,
			})
		}
		sum.Items = append(sum.Items, rec)
	}

	counters, _ := payload["summary"].(map[string]any)
	counter := func(keys []string, fallback int) int {
		if n, ok := intField(counters, keys); ok {
			return n
		}
		if n, ok := intField(payload, keys); ok {
			return n
		}
		return fallback
	}
	sum.Total = counter(counterKeys.total, len(sum.Items))
	sum.UpToDate = counter(counterKeys.upToDate, derivedUpToDate)
	sum.Pending = counter(counterKeys.pending, derivedPending)
	sum.Overdue = counter(counterKeys.overdue, derivedOverdue)

	if alerts, ok := payload["alerts"].([]any); ok {
		for i, a := range alerts {
			m, ok := a.(map[string]any)
			if !ok {
				continue
			}
			sum.Alerts = append(sum.Alerts, toAlert(provider, m, i, sum.LastUpdated))
		}
	}
	return sum
}

func extractItems(payload map[string]any) []any {
	return findList(payload, 0)
}

func findList(payload map[string]any, depth int) []any {
	for _, key := range listKeys {
		if list, ok := payload[key].([]any); ok {
			return list
		}
	}
	if depth == 0 {
		if inner, ok := payload["data"].(map[string]any); ok {
			return findList(inner, depth+1)
		}
	}
	return nil
}

// toRecord keeps every list element. A bare string or number is the vaccine
// name; anything else becomes an unnamed record at its list position.
func toRecord(raw any, index int) VaccineRecord {
	m, ok := raw.(map[string]any)
	if !ok {
		rec := VaccineRecord{Name: stringField(map[string]any{"name": raw}, []string{"name"})}
		if rec.Name == "" {
			rec.ID = fmt.Sprintf("item-%d", index+1)
		} else {
			rec.ID = SyntheticID(rec.Name, "", "")
		}
		return rec
	}
	rec := VaccineRecord{
		Name: stringField(m, nameKeys),
		Date: stringField(m, dateKeys),
		Dose: stringField(m, doseKeys),
	}
	if raw := strings.ToLower(stringField(m, statusKeys)); raw != "" {
		if bucket, ok := statusBuckets[raw]; ok {
			rec.Status = bucket
		} else {
			rec.Status = raw
		}
	}
	rec.ID = stringField(m, []string{"id"})
	if rec.ID == "" {
		rec.ID = SyntheticID(rec.Name, rec.Date, rec.Dose)
	}
	return rec
}

func toAlert(provider Provider, m map[string]any, index int, fallback time.Time) ClinicalAlert {
	a := ClinicalAlert{
		ID:        stringField(m, []string{"id"}),
		Source:    stringField(m, []string{"source"}),
		Level:     ParseAlertLevel(stringField(m, []string{"level", "severity"})),
		Message:   stringField(m, []string{"message", "text", "description"}),
		CreatedAt: fallback,
	}
	if a.ID == "" {
		a.ID = fmt.Sprintf("%s-alert-%d", provider, index+1)
	}
	if a.Source == "" {
		a.Source = string(provider)
	}
	if t, ok := timeField(m, "created_at"); ok {
		a.CreatedAt = t
	}
	return a
}

// SyntheticID derives a stable id from name, date and dose. Letters and
// digits of any script are kept as is; runs of anything else become one dash.
// Two records with the same three values collide.
func SyntheticID(name, date, dose string) string {
	raw := strings.ToLower(strings.Join([]string{name, date, dose}, "|"))
	var b strings.Builder
	dash := false
	for _, r := range raw {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	id := strings.TrimSuffix(b.String(), "-")
	if id == "" {
		return "unknown"
	}
	return id
}

func displayName(rec VaccineRecord) string {
	if rec.Name == "" {
		return "A vaccine"
	}
	if rec.Dose != "" {
		return rec.Name + " (" + rec.Dose + ")"
	}
	return rec.Name
}

func stringField(m map[string]any, keys []string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			return strconv.FormatBool(v)
		}
	}
	return ""
}

func intField(m map[string]any, keys []string) (int, bool) {
	for _, k := range keys {
		switch v := m[k].(type) {
		case float64:
			if v >= 0 && !math.IsInf(v, 0) {
				return int(v), true
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n >= 0 {
				return n, true
			}
		}
	}
	return 0, false
}

func timeField(m map[string]any, key string) (time.Time, bool) {
	s, ok := m[key].(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
