package snapshot

import "fmt"

// Schema is the column layout of a stored snapshot file.
type Schema int

const (
	// SchemaLegacy is name, url, image url.
	SchemaLegacy Schema = 3
	// SchemaV4 adds the canonical url column.
	SchemaV4 Schema = 4
	// SchemaV5 adds price and is what Encode writes.
	SchemaV5 Schema = 5
)

func (s Schema) String() string {
	switch s {
	case SchemaLegacy:
		return "legacy"
	case SchemaV4:
		return "v4"
	case SchemaV5:
		return "v5"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// minColumns is the shortest data row still usable under the schema.
func (s Schema) minColumns() int {
	if s == SchemaLegacy {
		return 2
	}
	return 4
}

// SchemaError reports a snapshot whose column count matches no known layout.
type SchemaError struct {
	Columns int
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("unsupported snapshot schema: %d columns", e.Columns)
}

// SchemaFor maps a column count to its schema.
func SchemaFor(columns int) (Schema, error) {
	switch columns {
	case 3:
		return SchemaLegacy, nil
	case 4:
		return SchemaV4, nil
	case 5:
		return SchemaV5, nil
	default:
		return 0, &SchemaError{Columns: columns}
	}
}

// Row is one stored snapshot line. The set of implementations is closed:
// LegacyRow, V4Row and V5Row.
type Row interface {
	schema() Schema
}

type LegacyRow struct {
	Name     string
	URL      string
	ImageURL string
}

type V4Row struct {
	Name         string
	URL          string
	ImageURL     string
	CanonicalURL string
}

type V5Row struct {
	Name         string
	URL          string
	ImageURL     string
	CanonicalURL string
	Price        string
}

func (LegacyRow) schema() Schema { return SchemaLegacy }
func (V4Row) schema() Schema     { return SchemaV4 }
func (V5Row) schema() Schema     { return SchemaV5 }

// parseRow builds the variant for s. ok is false when the row is too short.
func parseRow(s Schema, fields []string) (Row, bool) {
	if len(fields) < s.minColumns() {
		return nil, false
	}

	switch s {
	case SchemaLegacy:
		return LegacyRow{
			Name:     fields[0],
			URL:      fields[1],
			ImageURL: column(fields, 2),
		}, true
	case SchemaV4:
		return V4Row{
			Name:         fields[0],
			URL:          fields[1],
			ImageURL:     fields[2],
			CanonicalURL: fields[3],
		}, true
	case SchemaV5:
		return V5Row{
			Name:         fields[0],
			URL:          fields[1],
			ImageURL:     fields[2],
			CanonicalURL: fields[3],
			Price:        column(fields, 4),
		}, true
	}
	return nil, false
}

func column(fields []string, i int) string {
	if i < len(fields) {
		return fields[i]
	}
	return ""
}
