// This file contains the row storage layer. Uploaded datasets are kept as
// delimited text files on disk, one file per dataset id. Reads always come
// from disk so that a save reconciles against the latest persisted state,
// never against a cached copy.
package gridsync

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Table is one dataset held in row storage. Headers carries the column
// names in file order, Rows the data rows. The value in column 0 of a row
// is its stable row key. Separator is the rune the file was written with
// and is preserved on rewrite.
type Table struct {
	Headers   []string
	Rows      [][]string
	Separator rune
}

// RowKey returns the stable identifier of row i, the value in column 0.
func (t *Table) RowKey(i int) string {
	if i < 0 || i >= len(t.Rows) || len(t.Rows[i]) == 0 {
		return ""
	}
	return t.Rows[i][0]
}

// FindRow returns the index of the first row whose column-0 value equals
// rowKey, or -1 if no row matches. Row keys are compared exactly; only
// column matching is fuzzy.
func (t *Table) FindRow(rowKey string) int {
	for i := range t.Rows {
		if t.RowKey(i) == rowKey {
			return i
		}
	}
	return -1
}

// FindColumn returns the index of the header matching name, or -1.
// Matching is case-insensitive with surrounding whitespace and quotes
// stripped from both sides of the comparison.
func (t *Table) FindColumn(name string) int {
	want := normalizeKey(name)

	for i, header := range t.Headers {
		if normalizeKey(header) == want {
			return i
		}
	}
	return -1
}

// normalizeKey prepares a column name for comparison: surrounding
// whitespace and one layer of single or double quotes are removed and the
// result is lowercased.
func normalizeKey(s string) string {
	s = strings.TrimSpace(s)

	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// normalizeValue prepares a cell value for filter matching the same way
// column names are prepared, except case is preserved.
func normalizeValue(s string) string {
	s = strings.TrimSpace(s)

	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			s = s[1 : len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}

// RowStorage persists tables addressed by file id.
type RowStorage interface {
	ReadTable(ctx context.Context, fileId string) (*Table, error)
	WriteTable(ctx context.Context, fileId string, table *Table) error
	WriteRaw(ctx context.Context, fileId string, data []byte) error
	Delete(ctx context.Context, fileId string) error
}

// CSVStorage stores each table as a delimited text file under a single
// directory. The separator is detected per file from the header line, so a
// semicolon or tab separated upload round-trips unchanged.
type CSVStorage struct {
	dir string
}

// NewCSVStorage creates the storage directory if needed and returns a
// CSVStorage rooted there.
func NewCSVStorage(dir string) (*CSVStorage, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapF(err, "failed to create storage directory %s", dir)
	}
	return &CSVStorage{dir: dir}, nil
}

// Path returns the on-disk path for a file id. The id is reduced to its
// base name so a crafted id cannot escape the storage directory.
func (s *CSVStorage) Path(fileId string) string {
	return filepath.Join(s.dir, filepath.Base(fileId)+".csv")
}

func (s *CSVStorage) ReadTable(ctx context.Context, fileId string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrapF(err, "read cancelled")
	}
	data, err := os.ReadFile(s.Path(fileId))

	if err != nil {
		if os.IsNotExist(err) {
			return nil, notFound(string(storageEntity), fmt.Sprintf("file %s not found", fileId))
		}
		return nil, wrapF(err, "failed to read file %s", fileId)
	}
	return parseTable(data)
}

func (s *CSVStorage) WriteTable(ctx context.Context, fileId string, table *Table) error {
	if err := ctx.Err(); err != nil {
		return wrapF(err, "write cancelled")
	}

	var buf strings.Builder
	writer := csv.NewWriter(&buf)

	if table.Separator != 0 {
		writer.Comma = table.Separator
	}
	if err := writer.Write(table.Headers); err != nil {
		return wrapF(err, "failed to encode headers for %s", fileId)
	}
	if err := writer.WriteAll(table.Rows); err != nil {
		return wrapF(err, "failed to encode rows for %s", fileId)
	}
	return s.WriteRaw(ctx, fileId, []byte(buf.String()))
}

// WriteRaw replaces the file's contents atomically: the new bytes land in a
// temporary file in the same directory and are renamed over the target, so
// a reader never observes a half written file.
func (s *CSVStorage) WriteRaw(ctx context.Context, fileId string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return wrapF(err, "write cancelled")
	}
	target := s.Path(fileId)

	tmp, err := os.CreateTemp(s.dir, filepath.Base(target)+".tmp-*")

	if err != nil {
		return wrapF(err, "failed to create temp file for %s", fileId)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()

		_ = os.Remove(tmp.Name())

		return wrapF(err, "failed to write temp file for %s", fileId)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())

		return wrapF(err, "failed to close temp file for %s", fileId)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())

		return wrapF(err, "failed to replace %s", fileId)
	}
	return nil
}

func (s *CSVStorage) Delete(ctx context.Context, fileId string) error {
	if err := ctx.Err(); err != nil {
		return wrapF(err, "delete cancelled")
	}
	if err := os.Remove(s.Path(fileId)); err != nil {
		if os.IsNotExist(err) {
			return notFound(string(storageEntity), fmt.Sprintf("file %s not found", fileId))
		}
		return wrapF(err, "failed to delete file %s", fileId)
	}
	return nil
}

// parseTable decodes delimited text into a Table. The separator is
// detected from the header line from the candidates comma, semicolon and
// tab by highest count. Short rows are padded to the header width so every
// row is addressable by column index.
func parseTable(data []byte) (*Table, error) {
	text := strings.TrimPrefix(string(data), "\ufeff")

	sep := detectSeparator(text)

	reader := csv.NewReader(strings.NewReader(text))
	reader.Comma = sep
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()

	if err != nil {
		return nil, wrapF(err, "failed to parse file")
	}
	if len(records) == 0 {
		return nil, badRequest(string(storageEntity), "file has no header row")
	}
	table := &Table{
		Headers:   records[0],
		Rows:      records[1:],
		Separator: sep,
	}
	for i, row := range table.Rows {
		for len(row) < len(table.Headers) {
			row = append(row, "")
		}
		table.Rows[i] = row
	}
	return table, nil
}

func detectSeparator(text string) rune {
	line := text
	if idx := strings.IndexAny(text, "\r\n"); idx >= 0 {
		line = text[:idx]
	}
	best := ','
	bestCount := strings.Count(line, ",")

	for _, candidate := range []rune{';', '\t'} {
		if count := strings.Count(line, string(candidate)); count > bestCount {
			best = candidate
			bestCount = count
		}
	}
	return best
}
