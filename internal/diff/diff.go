package diff

import (
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
)

// Status says whether a comparison against a previous snapshot took place.
type Status string

const (
	StatusCompared    Status = "compared"
	StatusNoPrevious  Status = "no_previous"
	StatusNotPossible Status = "not_possible"
)

type Result struct {
	Status   Status                 `json:"status"`
	NewItems []models.ProductRecord `json:"new_items"`
	Today    int                    `json:"today"`
	Previous int                    `json:"previous"`
}

// NewItems returns today's records whose canonical URL is absent from
// previous, in today's order.
func NewItems(today models.Snapshot, previous snapshot.URLSet) []models.ProductRecord {
	var out []models.ProductRecord
	for _, r := range today.Records() {
		if !previous.Contains(r.CanonicalURL) {
			out = append(out, r)
		}
	}
	return out
}

// Compare diffs today against previous. A nil previous means no earlier
// snapshot could be resolved; that is reported, not treated as an error.
func Compare(today models.Snapshot, previous snapshot.URLSet) Result {
	if previous == nil {
		return Result{Status: StatusNoPrevious, Today: today.Len()}
	}

	return Result{
		Status:   StatusCompared,
		NewItems: NewItems(today, previous),
		Today:    today.Len(),
		Previous: len(previous),
	}
}
