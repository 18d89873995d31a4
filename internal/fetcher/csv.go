package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/rotisserie/eris"
)

// Row is one parsed line of an export. Line is the 1-based line in the
// source file where the row starts, counting the header.
type Row struct {
	Line  int
	Cells []string
}

// CSVOptions configures StreamCSV. Quotes are always parsed leniently:
// municipal exports routinely carry stray quotes inside names.
type CSVOptions struct {
	Delimiter rune // ',' when zero
	TrimSpace bool
}

// StreamCSV parses r on its own goroutine and sends every row, the header
// included, on the row channel. At most one error is sent. Both channels
// are closed when parsing stops.
func StreamCSV(ctx context.Context, r io.Reader, opts CSVOptions) (<-chan Row, <-chan error) {
	rows := make(chan Row, 64)
	errc := make(chan error, 1)

	go func() {
		defer close(rows)
		defer close(errc)

		cr := csv.NewReader(r)
		if opts.Delimiter != 0 {
			cr.Comma = opts.Delimiter
		}
		cr.LazyQuotes = true
		cr.FieldsPerRecord = -1

		for {
			if err := ctx.Err(); err != nil {
				errc <- eris.Wrap(err, "fetcher: csv stream stopped")
				return
			}
			cells, err := cr.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errc <- eris.Wrap(err, "fetcher: parse csv")
				return
			}
			line, _ := cr.FieldPos(0)
			if line == 1 && len(cells) > 0 {
				cells[0] = strings.TrimPrefix(cells[0], "\ufeff")
			}
			if opts.TrimSpace {
				for i := range cells {
					cells[i] = strings.TrimSpace(cells[i])
				}
			}

			select {
			case rows <- Row{Line: line, Cells: cells}:
			case <-ctx.Done():
				errc <- eris.Wrap(ctx.Err(), "fetcher: csv stream stopped")
				return
			}
		}
	}()

	return rows, errc
}
