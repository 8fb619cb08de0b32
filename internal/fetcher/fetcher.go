// Package fetcher loads tabular input from local files and HTTP URLs as
// CSV or XLSX.
package fetcher

import (
	"context"
	"io"
	"strings"
)

// Fetcher defines the interface for downloading remote data.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// DownloadToFile fetches the URL and writes it to the given path. Returns bytes written.
	DownloadToFile(ctx context.Context, url string, path string) (int64, error)
}

// Table is a parsed sheet: a normalized header and the data rows below it.
type Table struct {
	Header []string
	Rows   [][]string
}

// Index returns the position of the first header matching any of names,
// or -1.
func (t *Table) Index(names ...string) int {
	for _, n := range names {
		for i, h := range t.Header {
			if h == n {
				return i
			}
		}
	}
	return -1
}

// Cell returns row[i], or "" when i is out of range.
func Cell(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// NormalizeHeader lowercases a column name and maps spaces and hyphens
// to underscores.
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(h)
}

func newTable(header []string) *Table {
	t := &Table{Header: make([]string, len(header))}
	for i, h := range header {
		t.Header[i] = NormalizeHeader(h)
	}
	return t
}

func blank(row []string) bool {
	for _, c := range row {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
