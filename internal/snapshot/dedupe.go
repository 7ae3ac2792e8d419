package snapshot

import (
	"time"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// Dedupe keeps one record per canonical URL. A later record overwrites an
// earlier one; the output follows the order in which each URL first appeared.
func Dedupe(raw []models.ProductRecord) []models.ProductRecord {
	index := make(map[string]int, len(raw))
	out := make([]models.ProductRecord, 0, len(raw))

	for _, r := range raw {
		if i, ok := index[r.CanonicalURL]; ok {
			out[i] = r
			continue
		}
		index[r.CanonicalURL] = len(out)
		out = append(out, r)
	}

	return out
}

// New builds the snapshot for date from one run's raw records.
func New(date time.Time, raw []models.ProductRecord) models.Snapshot {
	return models.NewSnapshot(date, Dedupe(raw))
}
