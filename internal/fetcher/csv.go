package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"

	"github.com/rotisserie/eris"
)

// CSVOptions configures the CSV parser.
type CSVOptions struct {
	Delimiter  rune // default ','
	Comment    rune // comment character (0 = none)
	LazyQuotes bool
	MaxRows    int // 0 = unlimited
}

// ReadCSV parses r into a Table. The first record is the header; blank
// records are skipped and short records are kept as-is.
func ReadCSV(ctx context.Context, r io.Reader, opts CSVOptions) (*Table, error) {
	reader := csv.NewReader(r)
	if opts.Delimiter != 0 {
		reader.Comma = opts.Delimiter
	}
	if opts.Comment != 0 {
		reader.Comment = opts.Comment
	}
	reader.LazyQuotes = opts.LazyQuotes
	reader.FieldsPerRecord = -1 // allow variable fields

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, eris.New("csv: empty input")
	}
	if err != nil {
		return nil, eris.Wrap(err, "csv: read header")
	}
	t := newTable(header)

	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "csv: context cancelled")
		}
		if opts.MaxRows > 0 && len(t.Rows) >= opts.MaxRows {
			return t, nil
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			return t, nil
		}
		if err != nil {
			return nil, eris.Wrapf(err, "csv: read row %d", len(t.Rows)+1)
		}
		if blank(record) {
			continue
		}
		t.Rows = append(t.Rows, record)
	}
}
