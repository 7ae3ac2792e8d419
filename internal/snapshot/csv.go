package snapshot

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// Header is the first line of every snapshot Encode writes.
var Header = []string{"Product Name", "URL", "Image URL", "Base URL", "Price"}

// Decoded is a parsed snapshot file.
type Decoded struct {
	Schema  Schema
	Rows    []Row
	Skipped int
}

// Encode writes records in the current five column layout.
func Encode(w io.Writer, records []models.ProductRecord) error {
	writer := csv.NewWriter(w)

	if err := writer.Write(Header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	for _, r := range records {
		if err := writer.Write([]string{r.Name, r.FullURL, r.ImageURL, r.CanonicalURL, r.Price}); err != nil {
			return fmt.Errorf("failed to write record %s: %w", r.CanonicalURL, err)
		}
	}

	writer.Flush()
	return writer.Error()
}

// Decode reads a stored snapshot of any known schema. The schema comes from
// the header's column count; rows too short for it are skipped and counted.
// An empty input decodes to zero rows with no schema.
func Decode(r io.Reader) (*Decoded, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return &Decoded{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	schema, err := SchemaFor(len(header))
	if err != nil {
		return nil, err
	}

	out := &Decoded{Schema: schema}
	for {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row %d: %w", len(out.Rows)+out.Skipped+1, err)
		}

		row, ok := parseRow(schema, fields)
		if !ok {
			out.Skipped++
			continue
		}
		out.Rows = append(out.Rows, row)
	}

	return out, nil
}

// Records converts decoded rows back into product records. Missing columns
// become placeholders.
func (d *Decoded) Records() []models.ProductRecord {
	records := make([]models.ProductRecord, 0, len(d.Rows))
	for _, row := range d.Rows {
		var rec models.ProductRecord
		switch r := row.(type) {
		case LegacyRow:
			rec = models.NewProductRecord(r.Name, r.URL, r.ImageURL, "")
		case V4Row:
			rec = models.NewProductRecord(r.Name, r.URL, r.ImageURL, "")
			rec.CanonicalURL = r.CanonicalURL
		case V5Row:
			rec = models.NewProductRecord(r.Name, r.URL, r.ImageURL, r.Price)
			rec.CanonicalURL = r.CanonicalURL
		}
		records = append(records, rec)
	}
	return records
}
