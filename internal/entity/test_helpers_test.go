package entity

import (
	"testing"
	"time"
)

func mustTable(t *testing.T, keyColumn string, columns []string, rows []Row) *Table {
	t.Helper()
	table, err := NewTable(keyColumn, columns, rows)
	if err != nil {
		t.Fatalf("unexpected table error: %v", err)
	}
	return table
}

func mustTime(t *testing.T, value string) time.Time {
	t.Helper()
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		t.Fatalf("unexpected time parse error: %v", err)
	}
	return parsed
}

func submissionAt(t *testing.T, formID, key, stamp string, fields map[string]string) Submission {
	t.Helper()
	return Submission{
		FormID:      formID,
		Key:         key,
		SubmittedAt: mustTime(t, stamp),
		Fields:      fields,
	}
}
