package snapshot

import (
	"slices"

	"github.com/maltedev/catalog-monitor/internal/models"
)

// URLSet is a set of canonical product URLs.
type URLSet map[string]struct{}

func (s URLSet) Add(u string) {
	s[u] = struct{}{}
}

func (s URLSet) Contains(u string) bool {
	_, ok := s[u]
	return ok
}

// Sorted returns the members in lexical order.
func (s URLSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for u := range s {
		out = append(out, u)
	}
	slices.Sort(out)
	return out
}

// Normalize extracts the canonical URL of every row. V4 and V5 rows carry it
// verbatim; legacy rows derive it from the raw URL.
func Normalize(rows []Row) URLSet {
	set := make(URLSet, len(rows))
	for _, row := range rows {
		var u string
		switch r := row.(type) {
		case LegacyRow:
			u = models.CanonicalURL(r.URL)
		case V4Row:
			u = r.CanonicalURL
		case V5Row:
			u = r.CanonicalURL
		}
		if u != "" {
			set.Add(u)
		}
	}
	return set
}

// URLs returns the canonical URL set of a snapshot.
func URLs(s models.Snapshot) URLSet {
	set := make(URLSet, s.Len())
	for _, r := range s.Records() {
		set.Add(r.CanonicalURL)
	}
	return set
}
