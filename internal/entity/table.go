package entity

import "fmt"

// Row maps column names to cell values for a single entity.
type Row map[string]string

// Table holds the shared entity list: an ordered set of columns and rows with
// exactly one key column whose values are unique across rows. Column and row
// order are preserved so that untouched cells survive a merge byte-for-byte.
type Table struct {
	keyColumn string
	columns   []string
	rows      []Row
	index     map[string]int
}

// NewTable validates the column set and rows and returns a Table ready for
// merging. Every row must carry a non-empty, unique value in the key column.
func NewTable(keyColumn string, columns []string, rows []Row) (*Table, error) {
	if keyColumn == "" {
		return nil, fmt.Errorf("%w: key column name is empty", ErrInvalidTable)
	}

	keyPresent := false
	for _, column := range columns {
		if column == keyColumn {
			keyPresent = true
			break
		}
	}
	if !keyPresent {
		return nil, fmt.Errorf("%w: key column %q not in header", ErrInvalidTable, keyColumn)
	}

	index := make(map[string]int, len(rows))
	for position, row := range rows {
		keyValue := row[keyColumn]
		if keyValue == "" {
			return nil, fmt.Errorf("%w: row %d has empty key", ErrInvalidTable, position)
		}
		if _, seen := index[keyValue]; seen {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, keyValue)
		}
		index[keyValue] = position
	}

	return &Table{
		keyColumn: keyColumn,
		columns:   columns,
		rows:      rows,
		index:     index,
	}, nil
}

// KeyColumn returns the configured key column name.
func (t *Table) KeyColumn() string {
	return t.keyColumn
}

// Columns returns the header in original order.
func (t *Table) Columns() []string {
	return t.columns
}

// Rows returns the rows in original order.
func (t *Table) Rows() []Row {
	return t.rows
}

// Len returns the number of rows.
func (t *Table) Len() int {
	return len(t.rows)
}

// RowByKey returns the row holding the given key value, if any.
func (t *Table) RowByKey(keyValue string) (Row, bool) {
	position, ok := t.index[keyValue]
	if !ok {
		return nil, false
	}
	return t.rows[position], true
}

// HasColumn reports whether the header contains the named column.
func (t *Table) HasColumn(name string) bool {
	for _, column := range t.columns {
		if column == name {
			return true
		}
	}
	return false
}

// ValidateKeys re-checks the key uniqueness invariant. Merging never rewrites
// key cells, so a failure here means the table was corrupted and must not be
// redistributed.
func (t *Table) ValidateKeys() error {
	seen := make(map[string]struct{}, len(t.rows))
	for position, row := range t.rows {
		keyValue := row[t.keyColumn]
		if keyValue == "" {
			return fmt.Errorf("%w: row %d has empty key", ErrInvalidTable, position)
		}
		if _, duplicate := seen[keyValue]; duplicate {
			return fmt.Errorf("%w: %q", ErrDuplicateKey, keyValue)
		}
		seen[keyValue] = struct{}{}
	}
	return nil
}
