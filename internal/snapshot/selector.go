package snapshot

import (
	"slices"
	"strings"
	"time"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// Artifact is one stored object as listed by a blob store.
type Artifact struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	CreatedTime time.Time `json:"created_time"`
}

// SelectPrevious picks the newest snapshot artifact other than today's.
// Ties on creation time keep the order the store returned. The boolean is
// false when no earlier snapshot exists, which is normal on a first run.
func SelectPrevious(artifacts []Artifact, todayName string) (Artifact, bool) {
	sorted := slices.Clone(artifacts)
	slices.SortStableFunc(sorted, func(a, b Artifact) int {
		return b.CreatedTime.Compare(a.CreatedTime)
	})

	for _, a := range sorted {
		if strings.HasSuffix(a.Name, models.SnapshotSuffix) && a.Name != todayName {
			return a, true
		}
	}
	return Artifact{}, false
}
