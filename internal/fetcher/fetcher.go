// Package fetcher reads tabular staging exports (CSV and XLSX) into header
// keyed records.
package fetcher

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// Table is a parsed file: one header row and the data rows below it.
type Table struct {
	Header []string
	Rows   [][]string
}

// Records returns each row as a map keyed by normalized header name
// ("Unit Name" -> "unit_name"). Missing trailing cells map to "".
func (t *Table) Records() []map[string]string {
	keys := make([]string, len(t.Header))
	for i, h := range t.Header {
		keys[i] = HeaderKey(h)
	}
	out := make([]map[string]string, 0, len(t.Rows))
	for _, row := range t.Rows {
		rec := make(map[string]string, len(keys))
		for i, k := range keys {
			if k == "" {
				continue
			}
			if i < len(row) {
				rec[k] = strings.TrimSpace(row[i])
			} else {
				rec[k] = ""
			}
		}
		out = append(out, rec)
	}
	return out
}

// HeaderKey lower-cases a header cell and joins its words with '_'.
func HeaderKey(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.Join(strings.Fields(strings.ToLower(h)), "_")
}

// ReadFile parses path by extension: .csv and .txt (delimiter sniffed from
// the header line), .tsv, or .xlsx (first sheet with data). The first row is the
// header. Blank rows are dropped.
func ReadFile(ctx context.Context, path string) (*Table, error) {
	var rows [][]string
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".xlsx":
		r, err := ReadXLSX(path, "")
		if err != nil {
			return nil, err
		}
		rows = r
	case ".csv", ".txt", ".tsv":
		delim := '\t'
		if ext != ".tsv" {
			d, err := sniffDelimiter(path)
			if err != nil {
				return nil, err
			}
			delim = d
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, eris.Wrapf(err, "fetcher: open %s", path)
		}
		defer f.Close() //nolint:errcheck

		rowCh, errCh := StreamCSV(ctx, f, CSVOptions{Delimiter: delim, TrimSpace: true})
		for row := range rowCh {
			rows = append(rows, row.Cells)
		}
		if err := <-errCh; err != nil {
			return nil, eris.Wrapf(err, "fetcher: read %s", path)
		}
	default:
		return nil, eris.Errorf("fetcher: unsupported file type %q", ext)
	}

	rows = dropBlank(rows)
	if len(rows) == 0 {
		return nil, eris.Errorf("fetcher: %s has no header row", path)
	}
	return &Table{Header: rows[0], Rows: rows[1:]}, nil
}

// sniffDelimiter picks ';' when the header line has more semicolons than
// commas. Spreadsheet exports in pt-BR locales use ';'.
func sniffDelimiter(path string) (rune, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, eris.Wrapf(err, "fetcher: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil && line == "" {
		return ',', nil
	}
	if strings.Count(line, ";") > strings.Count(line, ",") {
		return ';', nil
	}
	return ',', nil
}

func dropBlank(rows [][]string) [][]string {
	out := rows[:0]
	for _, r := range rows {
		for _, c := range r {
			if strings.TrimSpace(c) != "" {
				out = append(out, r)
				break
			}
		}
	}
	return out
}
