package batch

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/review-enrich/internal/model"
)

// Row-level enrichment statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// enrichmentColumns follow the passthrough columns in every artifact.
var enrichmentColumns = []string{
	"name_classification",
	"company_normalized_key",
	"company_domain",
	"domain_source",
	"domain_confidence",
	"primary_phone",
	"primary_phone_source",
	"primary_phone_confidence",
	"primary_email",
	"primary_email_source",
	"primary_email_confidence",
	"business_address",
	"business_city",
	"business_state_region",
	"business_postal_code",
	"business_country",
	"business_website",
	"oc_company_name",
	"oc_jurisdiction",
	"oc_company_number",
	"oc_incorporation_date",
	"oc_match_confidence",
	"overall_lead_confidence",
	"enrichment_status",
	"enrichment_notes",
}

// Artifact is the tabular output of a batch: every input row with its
// entity's enrichment broadcast onto it.
type Artifact struct {
	passthrough []string
	lines       [][]string
}

// NewArtifact lays out the columns for the given sheets. Passthrough
// columns keep first-seen order and drop names that clash with the
// enrichment columns.
func NewArtifact(sheets []Sheet, records map[string]model.Record) *Artifact {
	a := &Artifact{}
	for _, sh := range sheets {
		for _, c := range sh.Columns {
			if c == "" || slices.Contains(a.passthrough, c) || slices.Contains(enrichmentColumns, c) ||
				c == "row_id" || c == "source_file" {
				continue
			}
			a.passthrough = append(a.passthrough, c)
		}
	}
	for _, sh := range sheets {
		for _, row := range sh.Rows {
			a.lines = append(a.lines, a.line(sh.Source, row, records))
		}
	}
	return a
}

// Columns returns the header row.
func (a *Artifact) Columns() []string {
	cols := make([]string, 0, 2+len(a.passthrough)+len(enrichmentColumns))
	cols = append(cols, "row_id", "source_file")
	cols = append(cols, a.passthrough...)
	return append(cols, enrichmentColumns...)
}

// Lines returns the data rows in input order.
func (a *Artifact) Lines() [][]string { return a.lines }

func (a *Artifact) line(source string, row model.Row, records map[string]model.Record) []string {
	out := make([]string, 0, 2+len(a.passthrough)+len(enrichmentColumns))
	out = append(out, strconv.Itoa(row.Index), source)
	for _, c := range a.passthrough {
		out = append(out, row.Extra[c])
	}

	key := model.DedupKey(row.Name)
	e := make(map[string]string, len(enrichmentColumns))
	e["name_classification"] = string(row.Class)
	e["company_normalized_key"] = key

	rec, ok := records[key]
	switch {
	case row.Class != model.NameBusiness || key == "":
		e["enrichment_status"] = StatusSkipped
		e["enrichment_notes"] = fmt.Sprintf("Name classified as %s", row.Class)
	case !ok:
		e["enrichment_status"] = StatusError
		e["enrichment_notes"] = "No enrichment result"
	default:
		fillRecord(e, rec)
	}

	for _, c := range enrichmentColumns {
		out = append(out, e[c])
	}
	return out
}

func fillRecord(e map[string]string, rec model.Record) {
	if rec.Domain.Found() {
		e["company_domain"] = rec.Domain.Value
		e["domain_source"] = rec.Domain.Source
	}
	e["domain_confidence"] = rec.Domain.Confidence.String()
	if rec.Phone.Found() {
		e["primary_phone"] = rec.Phone.Value
		e["primary_phone_source"] = rec.Phone.Source
	}
	e["primary_phone_confidence"] = rec.Phone.Confidence.String()
	if rec.Email.Found() {
		e["primary_email"] = rec.Email.Value
		e["primary_email_source"] = rec.Email.Source
	}
	e["primary_email_confidence"] = rec.Email.Confidence.String()

	e["business_address"] = rec.Place.Address
	e["business_city"] = rec.Place.City
	e["business_state_region"] = rec.Place.State
	e["business_postal_code"] = rec.Place.PostalCode
	e["business_country"] = rec.Place.Country
	e["business_website"] = rec.Place.Website

	if rec.Legal.Name != "" {
		e["oc_company_name"] = rec.Legal.Name
		e["oc_jurisdiction"] = rec.Legal.Jurisdiction
		e["oc_company_number"] = rec.Legal.Number
		e["oc_incorporation_date"] = rec.Legal.Incorporated
		e["oc_match_confidence"] = rec.Legal.Confidence.String()
	}

	e["overall_lead_confidence"] = string(rec.Overall)
	e["enrichment_notes"] = rec.Note
	switch {
	case rec.Failed():
		e["enrichment_status"] = StatusError
		e["enrichment_notes"] = rec.Error
	case rec.Overall == model.OverallFailed:
		e["enrichment_status"] = StatusFailed
	default:
		e["enrichment_status"] = StatusSuccess
	}
}

// Write stores the artifact at path in the given format, replacing any
// existing file atomically.
func (a *Artifact) Write(path, format string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "batch: create output dir")
	}
	tmp := path + ".tmp"
	var err error
	switch format {
	case model.FormatXLSX:
		err = a.writeXLSX(tmp)
	case model.FormatCSV, "":
		err = a.writeCSV(tmp)
	default:
		return eris.Errorf("batch: unsupported format %q", format)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return eris.Wrap(os.Rename(tmp, path), "batch: publish artifact")
}

func (a *Artifact) writeCSV(path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrap(err, "batch: create csv")
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = eris.Wrap(cerr, "batch: close csv")
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(a.Columns()); err != nil {
		return eris.Wrap(err, "batch: write csv header")
	}
	if err := w.WriteAll(a.lines); err != nil {
		return eris.Wrap(err, "batch: write csv rows")
	}
	return nil
}

func (a *Artifact) writeXLSX(path string) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("enriched")
	if err != nil {
		return eris.Wrap(err, "batch: add sheet")
	}
	addRow := func(values []string) {
		row := sheet.AddRow()
		for _, v := range values {
			row.AddCell().SetString(v)
		}
	}
	addRow(a.Columns())
	for _, l := range a.lines {
		addRow(l)
	}
	return eris.Wrap(f.Save(path), "batch: save xlsx")
}
