package fetcher

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
)

// ReadXLSX returns the rows of one worksheet with trailing empty cells
// dropped. An empty sheet name selects the first sheet holding any data,
// skipping the cover sheets some exports start with.
func ReadXLSX(path, sheet string) ([][]string, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open workbook %s", path)
	}

	s, err := pickSheet(f, sheet)
	if err != nil {
		return nil, err
	}

	rows := make([][]string, 0, len(s.Rows))
	for _, r := range s.Rows {
		if r == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, len(r.Cells))
		for i, c := range r.Cells {
			if c != nil {
				cells[i] = c.String()
			}
		}
		rows = append(rows, trimTrailing(cells))
	}
	return rows, nil
}

func pickSheet(f *xlsx.File, name string) (*xlsx.Sheet, error) {
	if name != "" {
		s, ok := f.Sheet[name]
		if !ok {
			return nil, eris.Errorf("fetcher: workbook has no sheet %q", name)
		}
		return s, nil
	}
	for _, s := range f.Sheets {
		if hasData(s) {
			return s, nil
		}
	}
	return nil, eris.New("fetcher: workbook has no sheet with data")
}

func hasData(s *xlsx.Sheet) bool {
	for _, r := range s.Rows {
		if r == nil {
			continue
		}
		for _, c := range r.Cells {
			if c != nil && strings.TrimSpace(c.String()) != "" {
				return true
			}
		}
	}
	return false
}

func trimTrailing(cells []string) []string {
	n := len(cells)
	for n > 0 && strings.TrimSpace(cells[n-1]) == "" {
		n--
	}
	return cells[:n]
}
