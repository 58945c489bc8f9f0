package reading

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	coreerrors "github.com/pressurenet/readings-aggregator/internal/core/errors"
)

// Reason says why a message body was rejected.
type Reason string

// Rejection reasons, in the order Decode checks them.
const (
	ReasonUnparsable       Reason = "unparsable"
	ReasonNotFlat          Reason = "not_flat"
	ReasonMissingTimestamp Reason = "missing_timestamp"
	ReasonInvalidTimestamp Reason = "invalid_timestamp"
)

// DecodeError is returned for every rejected body. It always matches ErrMalformed.
type DecodeError struct {
	Reason Reason
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("reading rejected: %s", e.Reason)
	}
	return fmt.Sprintf("reading rejected: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{coreerrors.ErrMalformed}
	}
	return []error{coreerrors.ErrMalformed, e.Err}
}

// ReasonOf extracts the rejection reason from err, or "" when err is not a DecodeError.
func ReasonOf(err error) Reason {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Reason
	}
	return ""
}

func reject(reason Reason, format string, args ...any) error {
	return &DecodeError{Reason: reason, Err: fmt.Errorf(format, args...)}
}

// Decode parses a raw message body into a Record. Validation is all-or-nothing:
// the body must be a single JSON object whose values are all scalars and whose
// daterecorded is an integral epoch-milliseconds number.
func Decode(body []byte) (Record, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &DecodeError{Reason: ReasonUnparsable, Err: err}
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, reject(ReasonUnparsable, "trailing data after document")
	}

	obj, ok := doc.(map[string]any)
	if !ok {
		return nil, reject(ReasonNotFlat, "document is %s, not an object", kindOf(doc))
	}
	for field, v := range obj {
		switch v.(type) {
		case map[string]any, []any:
			return nil, reject(ReasonNotFlat, "field %q holds a nested %s", field, kindOf(v))
		}
	}

	raw, ok := obj[FieldDateRecorded]
	if !ok {
		return nil, &DecodeError{Reason: ReasonMissingTimestamp}
	}
	ms, err := epochMillis(raw)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonInvalidTimestamp, Err: err}
	}
	obj[FieldDateRecorded] = ms

	return Record(obj), nil
}

// DecodeArchive parses a stored JSON archive (an array of records).
// Stored records were accepted once already, so only shape errors fail here.
func DecodeArchive(content []byte) ([]Record, error) {
	dec := json.NewDecoder(bytes.NewReader(content))
	dec.UseNumber()

	var docs []map[string]any
	if err := dec.Decode(&docs); err != nil {
		return nil, fmt.Errorf("decode archive: %w", err)
	}
	out := make([]Record, 0, len(docs))
	for _, doc := range docs {
		rec := Record(doc)
		if ms, ok := rec.DateRecorded(); ok {
			rec[FieldDateRecorded] = ms
		}
		out = append(out, rec)
	}
	return out, nil
}

func kindOf(v any) string {
	switch v.(type) {
	case map[string]any:
		return "object"
	case []any:
		return "array"
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case nil:
		return "null"
	}
	return fmt.Sprintf("%T", v)
}
