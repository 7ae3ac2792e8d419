package models

import (
	"strings"
	"time"
)

// Placeholder fills text fields that could not be extracted from a card.
const Placeholder = "N/A"

const (
	SnapshotSuffix = "-products.csv"
	ReportSuffix   = "-NEWLY-ADDED.html"

	dateLayout = "2006-01-02"
)

type ProductRecord struct {
	Name         string `json:"name"`
	FullURL      string `json:"full_url"`
	ImageURL     string `json:"image_url"`
	CanonicalURL string `json:"canonical_url"`
	Price        string `json:"price"`
}

// NewProductRecord fills placeholders and derives the canonical URL from the
// full URL.
func NewProductRecord(name, fullURL, imageURL, price string) ProductRecord {
	return ProductRecord{
		Name:         orPlaceholder(name),
		FullURL:      fullURL,
		ImageURL:     orPlaceholder(imageURL),
		CanonicalURL: CanonicalURL(fullURL),
		Price:        orPlaceholder(price),
	}
}

// CanonicalURL strips the query string, and with it anything after it, from
// a product URL. A fragment with no query in front of it is kept so keys match
// the canonical column of snapshots already in the store.
// Applying it to an already canonical URL returns the input unchanged.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if i := strings.IndexByte(raw, '?'); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// Snapshot is the dated, deduplicated product set of one run. Records are
// copied on the way in and out so a persisted snapshot cannot be mutated.
type Snapshot struct {
	date    time.Time
	records []ProductRecord
}

func NewSnapshot(date time.Time, records []ProductRecord) Snapshot {
	cp := make([]ProductRecord, len(records))
	copy(cp, records)
	return Snapshot{date: date, records: cp}
}

func (s Snapshot) Date() time.Time {
	return s.date
}

func (s Snapshot) Len() int {
	return len(s.records)
}

func (s Snapshot) Records() []ProductRecord {
	cp := make([]ProductRecord, len(s.records))
	copy(cp, s.records)
	return cp
}

// Lookup maps canonical URL to record.
func (s Snapshot) Lookup() map[string]ProductRecord {
	m := make(map[string]ProductRecord, len(s.records))
	for _, r := range s.records {
		m[r.CanonicalURL] = r
	}
	return m
}

func (s Snapshot) FileName() string {
	return SnapshotFileName(s.date)
}

func SnapshotFileName(date time.Time) string {
	return date.Format(dateLayout) + SnapshotSuffix
}

func ReportFileName(date time.Time) string {
	return date.Format(dateLayout) + ReportSuffix
}

func orPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return Placeholder
	}
	return s
}
