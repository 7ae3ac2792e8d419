package parser

import (
	"github.com/maltedev/catalog-monitor/internal/models"
)

// Extractor turns one listing page into raw product records.
type Extractor interface {
	Parse(content, pageURL string) (*PageExtract, error)
}

// PageExtract is the result of parsing one page. Skipped counts cards that
// matched the card selector but could not be turned into a record.
type PageExtract struct {
	Records []models.ProductRecord
	Cards   int
	Skipped int
}
