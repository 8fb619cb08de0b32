package batch

import (
	"github.com/sells-group/review-enrich/internal/fetcher"
	"github.com/sells-group/review-enrich/internal/model"
)

// Header aliases for the columns the enrichment reads. Other columns pass
// through to the artifact untouched.
var (
	nameColumns    = []string{"name", "display_name", "raw_display_name", "company_name", "business_name", "consumer.displayname", "displayname"}
	websiteColumns = []string{"website", "company_website", "url", "domain"}
	cityColumns    = []string{"city"}
	stateColumns   = []string{"state", "region", "state_region"}
	countryColumns = []string{"country"}
)

// Sheet is the rows of one source along with their passthrough columns.
type Sheet struct {
	Source  string
	Columns []string
	Rows    []model.Row
}

// ToRows maps a parsed table onto input rows. Row indexes continue from
// offset so rows from several sources stay distinct.
func ToRows(source string, t *fetcher.Table, offset int) Sheet {
	nameIdx := t.Index(nameColumns...)
	websiteIdx := t.Index(websiteColumns...)
	cityIdx := t.Index(cityColumns...)
	stateIdx := t.Index(stateColumns...)
	countryIdx := t.Index(countryColumns...)

	sh := Sheet{Source: source, Columns: t.Header, Rows: make([]model.Row, 0, len(t.Rows))}
	for i, cells := range t.Rows {
		row := model.Row{
			Index:   offset + i,
			Name:    fetcher.Cell(cells, nameIdx),
			Website: fetcher.Cell(cells, websiteIdx),
			City:    fetcher.Cell(cells, cityIdx),
			State:   fetcher.Cell(cells, stateIdx),
			Country: fetcher.Cell(cells, countryIdx),
			Extra:   make(map[string]string, len(t.Header)),
		}
		for j, h := range t.Header {
			row.Extra[h] = fetcher.Cell(cells, j)
		}
		row.Class = Classify(row.Name)
		sh.Rows = append(sh.Rows, row)
	}
	return sh
}
