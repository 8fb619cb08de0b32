package fetcher

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// IsRemote reports whether source is an http(s) URL.
func IsRemote(source string) bool {
	u, err := url.Parse(source)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// IsXLSX reports whether source names an XLSX workbook by extension.
func IsXLSX(source string) bool {
	p := source
	if IsRemote(source) {
		u, _ := url.Parse(source)
		p = u.Path
	}
	return strings.EqualFold(path.Ext(p), ".xlsx")
}

// LoadTable reads source, a local path or an http(s) URL, as CSV or XLSX
// by extension. Remote files are downloaded through f. maxRows <= 0 reads
// everything.
func LoadTable(ctx context.Context, f Fetcher, source string, maxRows int) (*Table, error) {
	local := source
	if IsRemote(source) {
		tmp, err := os.MkdirTemp("", "review-enrich-src-*")
		if err != nil {
			return nil, eris.Wrap(err, "fetcher: temp dir")
		}
		defer os.RemoveAll(tmp) //nolint:errcheck

		local = filepath.Join(tmp, "source.csv")
		if IsXLSX(source) {
			local = filepath.Join(tmp, "source.xlsx")
		}
		if _, err := f.DownloadToFile(ctx, source, local); err != nil {
			return nil, eris.Wrapf(err, "fetcher: download %s", source)
		}
	}

	if IsXLSX(local) {
		t, err := ReadXLSX(local, XLSXOptions{MaxRows: maxRows})
		return t, eris.Wrapf(err, "fetcher: load %s", source)
	}

	file, err := os.Open(local)
	if err != nil {
		return nil, eris.Wrapf(err, "fetcher: open %s", source)
	}
	defer file.Close() //nolint:errcheck

	t, err := ReadCSV(ctx, file, CSVOptions{LazyQuotes: true, MaxRows: maxRows})
	return t, eris.Wrapf(err, "fetcher: load %s", source)
}
