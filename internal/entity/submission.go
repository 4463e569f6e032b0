package entity

import (
	"fmt"
	"strings"
	"time"
)

// SubmissionDateField is the flattened path under which ODK Central reports
// when a submission was received by the server.
const SubmissionDateField = "__system/submissionDate"

// Record is one raw fetched submission with nested JSON paths flattened into
// slash-joined keys, exactly as returned by the transport layer.
type Record map[string]string

// SourceForm declares one contributing form: its identifier and the fields it
// is allowed to write. Field names may be full slash-separated paths into the
// submission document.
type SourceForm struct {
	FormID string
	Fields []string
}

// Submission is the uniform internal shape of one fetched update. Field names
// are reduced to their final path segment so that submissions from forms with
// different group structures land on the same entity columns.
type Submission struct {
	FormID      string
	SubmittedAt time.Time
	Key         string
	Fields      map[string]string
}

// Normalize converts a raw record from the given source form into a
// Submission. Only the form's declared fields are extracted; anything else in
// the record is ignored. A record without a usable key value fails with
// ErrMissingKey and must be dropped by the caller, since it cannot be
// attributed to any entity.
func Normalize(raw Record, source SourceForm, keyField string) (Submission, error) {
	keyValue := strings.TrimSpace(raw[keyField])
	if keyValue == "" {
		return Submission{}, fmt.Errorf("%w: form %q field %q", ErrMissingKey, source.FormID, keyField)
	}

	rawDate, ok := raw[SubmissionDateField]
	if !ok || rawDate == "" {
		return Submission{}, fmt.Errorf("%w: form %q key %q has no submission date", ErrInvalidSubmissionTime, source.FormID, keyValue)
	}
	submittedAt, err := time.Parse(time.RFC3339, rawDate)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: form %q key %q: %v", ErrInvalidSubmissionTime, source.FormID, keyValue, err)
	}

	fields := make(map[string]string, len(source.Fields))
	for _, declared := range source.Fields {
		value, present := raw[declared]
		if !present {
			continue
		}
		fields[FieldName(declared)] = value
	}

	return Submission{
		FormID:      source.FormID,
		SubmittedAt: submittedAt.UTC(),
		Key:         keyValue,
		Fields:      fields,
	}, nil
}

// LatestSubmissionDate returns the newest parseable submission date across
// the raw records, whether or not they normalize into usable submissions: a
// record left at or below the watermark is re-fetched on every subsequent
// run. The zero time is returned when no record carries a usable date.
func LatestSubmissionDate(records []Record) time.Time {
	var latest time.Time
	for _, record := range records {
		stamp, err := time.Parse(time.RFC3339, record[SubmissionDateField])
		if err != nil {
			continue
		}
		if stamp.After(latest) {
			latest = stamp.UTC()
		}
	}
	return latest
}

// FieldName reduces a slash-separated field path to its final segment, the
// name it carries as an entity table column.
func FieldName(path string) string {
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		return path[idx+1:]
	}
	return path
}
