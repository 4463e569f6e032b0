package entity

import "fmt"

// MergeReport summarizes one merge pass for logging and run accounting.
type MergeReport struct {
	RowsTouched int
	// UnknownKeys lists update keys that matched no row. The entity list did
	// not anticipate these entities; the updates are skipped, not fatal.
	UnknownKeys []string
	// SkippedColumns counts winning fields that named no table column and
	// were therefore dropped.
	SkippedColumns int
}

// Apply folds resolved updates into the table in place. Only the columns
// named by each update's field set are overwritten on the matching row; every
// other cell, row, and column is left untouched. Rows are never inserted or
// deleted. The key uniqueness invariant is re-checked before returning and a
// violation is fatal: the table must not be redistributed in that state.
func (t *Table) Apply(updates []Update) (MergeReport, error) {
	report := MergeReport{}

	for _, update := range updates {
		row, found := t.RowByKey(update.Key)
		if !found {
			report.UnknownKeys = append(report.UnknownKeys, update.Key)
			continue
		}

		touched := false
		for field, value := range update.Fields {
			if field == t.keyColumn {
				// Key cells are identity, not payload.
				report.SkippedColumns++
				continue
			}
			if !t.HasColumn(field) {
				report.SkippedColumns++
				continue
			}
			row[field] = value
			touched = true
		}
		if touched {
			report.RowsTouched++
		}
	}

	if err := t.ValidateKeys(); err != nil {
		return report, fmt.Errorf("post-merge check failed: %w", err)
	}
	return report, nil
}
