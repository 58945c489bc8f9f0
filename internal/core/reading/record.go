package reading

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Well-known reading fields.
const (
	FieldLatitude     = "latitude"
	FieldLongitude    = "longitude"
	FieldDateRecorded = "daterecorded"
	FieldReading      = "reading"
	FieldUserID       = "user_id"
	FieldSharing      = "sharing"
)

// IdentityFields are the fields Identity is derived from. Projections must keep them.
var IdentityFields = []string{FieldLatitude, FieldLongitude, FieldDateRecorded}

// Record is one decoded reading: a flat mapping of field name to scalar value.
// Numbers are kept as json.Number except daterecorded, which Decode normalises
// to int64 epoch milliseconds.
type Record map[string]any

// DateRecorded returns the record timestamp in epoch milliseconds.
func (r Record) DateRecorded() (int64, bool) {
	v, ok := r[FieldDateRecorded]
	if !ok {
		return 0, false
	}
	ms, err := epochMillis(v)
	if err != nil {
		return 0, false
	}
	return ms, true
}

// Float returns a numeric field as float64.
func (r Record) Float(field string) (float64, bool) {
	v, ok := r[field]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case int32:
		return float64(val), true
	}
	return 0, false
}

// String returns a field formatted as text; missing and null fields are "".
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}

// UserID returns the submitting user, or "" when absent.
func (r Record) UserID() string { return r.String(FieldUserID) }

// Sharing returns the sharing label, or "" when absent.
func (r Record) Sharing() string { return r.String(FieldSharing) }

// Identity is the deduplication key: latitude|longitude|daterecorded.
// Coordinates are printed in shortest form so 1 and 1.0 collide.
func (r Record) Identity() string {
	var b strings.Builder
	for i, field := range IdentityFields {
		if i > 0 {
			b.WriteByte('|')
		}
		b.WriteString(r.canonical(field))
	}
	return b.String()
}

func (r Record) canonical(field string) string {
	if field == FieldDateRecorded {
		if ms, ok := r.DateRecorded(); ok {
			return strconv.FormatInt(ms, 10)
		}
	}
	if f, ok := r.Float(field); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return r.String(field)
}

// Project returns a copy holding only the allowed fields. An empty allow-list keeps everything.
func (r Record) Project(allowed []string) Record {
	if len(allowed) == 0 {
		return r.Clone()
	}
	out := make(Record, len(allowed))
	for _, field := range allowed {
		if v, ok := r[field]; ok {
			out[field] = v
		}
	}
	return out
}

// Clone returns a shallow copy. Values are scalars so this is a full copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Fields returns the record's field names in sorted order.
func (r Record) Fields() []string {
	fields := make([]string, 0, len(r))
	for k := range r {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	return fields
}

// epochMillis converts a decoded timestamp to int64 milliseconds.
// Fractional values, strings and out-of-range numbers are rejected.
func epochMillis(v any) (int64, error) {
	switch val := v.(type) {
	case int64:
		return val, nil
	case int:
		return int64(val), nil
	case json.Number:
		if ms, err := val.Int64(); err == nil {
			return ms, nil
		}
		f, err := val.Float64()
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", val.String())
		}
		return floatMillis(f)
	case float64:
		return floatMillis(val)
	case nil:
		return 0, fmt.Errorf("value is null")
	}
	return 0, fmt.Errorf("value of type %T is not numeric", v)
}

func floatMillis(f float64) (int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, fmt.Errorf("%v is not an integer", f)
	}
	if f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, fmt.Errorf("%v overflows int64", f)
	}
	return int64(f), nil
}
