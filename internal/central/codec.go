package central

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/lognaturel/central-updater/internal/entity"
)

// decodeSubmissions reads an OData submission response and flattens every
// record's nested JSON document into slash-joined keys, the shape the
// normalizer expects. Numbers are kept verbatim so "3" never becomes "3.0".
// Nulls are omitted entirely: an unanswered question is "unchanged", not an
// instruction to blank the cell, so it must not survive as a present field.
func decodeSubmissions(r io.Reader) ([]entity.Record, error) {
	decoder := json.NewDecoder(r)
	decoder.UseNumber()

	var payload struct {
		Value []map[string]interface{} `json:"value"`
	}
	if err := decoder.Decode(&payload); err != nil {
		return nil, err
	}
	if payload.Value == nil {
		return nil, fmt.Errorf("response carried no value array")
	}

	records := make([]entity.Record, 0, len(payload.Value))
	for _, raw := range payload.Value {
		record := make(entity.Record)
		for key, value := range raw {
			flattenValue(key, value, record)
		}
		records = append(records, record)
	}
	return records, nil
}

func flattenValue(prefix string, value interface{}, out entity.Record) {
	switch typed := value.(type) {
	case nil:
	case string:
		out[prefix] = typed
	case bool:
		out[prefix] = strconv.FormatBool(typed)
	case json.Number:
		out[prefix] = typed.String()
	case map[string]interface{}:
		for key, nested := range typed {
			flattenValue(prefix+"/"+key, nested, out)
		}
	case []interface{}:
		for index, item := range typed {
			flattenValue(prefix+"/"+strconv.Itoa(index), item, out)
		}
	default:
		out[prefix] = fmt.Sprintf("%v", typed)
	}
}

// DecodeTable parses a CSV attachment into an entity table. The first record
// is the header; cell values are kept verbatim so untouched columns survive
// a round trip unchanged.
func DecodeTable(r io.Reader, keyColumn string) (*entity.Table, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = 0

	header, err := reader.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv attachment is empty")
	}
	if err != nil {
		return nil, err
	}

	var rows []entity.Row
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		row := make(entity.Row, len(header))
		for index, column := range header {
			row[column] = record[index]
		}
		rows = append(rows, row)
	}

	return entity.NewTable(keyColumn, header, rows)
}

// EncodeTable renders the table back to CSV in its original column and row
// order.
func EncodeTable(table *entity.Table) ([]byte, error) {
	var buffer bytes.Buffer
	writer := csv.NewWriter(&buffer)

	columns := table.Columns()
	if err := writer.Write(columns); err != nil {
		return nil, err
	}

	record := make([]string, len(columns))
	for _, row := range table.Rows() {
		for index, column := range columns {
			record[index] = row[column]
		}
		if err := writer.Write(record); err != nil {
			return nil, err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}
