package parser

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/maltedev/catalog-monitor/internal/fetcher"
	"github.com/maltedev/catalog-monitor/internal/models"
)

var whitespace = regexp.MustCompile(`\s+`)

// Selectors locate the parts of a product card. Name, Image and Price are
// evaluated relative to the card element.
type Selectors struct {
	Card  string `yaml:"card"`
	Name  string `yaml:"name"`
	Image string `yaml:"image"`
	Price string `yaml:"price"`
}

type ListingParser struct {
	selectors Selectors
	markers   []string
}

func NewListingParser(selectors Selectors, markers []string) *ListingParser {
	if len(markers) == 0 {
		markers = fetcher.DefaultChallengeMarkers()
	}
	return &ListingParser{
		selectors: selectors,
		markers:   markers,
	}
}

// Parse extracts every card on the page. A page with no cards that carries a
// challenge marker is reported as fetcher.ErrBlocked so it is not mistaken
// for the end of the catalog.
func (p *ListingParser) Parse(content, pageURL string) (*PageExtract, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page url %q: %w", pageURL, err)
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	extract := &PageExtract{}

	doc.Find(p.selectors.Card).Each(func(i int, card *goquery.Selection) {
		extract.Cards++

		record, ok := p.parseCard(card, base)
		if !ok {
			extract.Skipped++
			return
		}
		extract.Records = append(extract.Records, record)
	})

	if len(extract.Records) == 0 {
		if marker, found := fetcher.DetectChallenge(content, p.markers); found {
			return extract, fetcher.BlockedError(pageURL, marker)
		}
	}

	return extract, nil
}

func (p *ListingParser) parseCard(card *goquery.Selection, base *url.URL) (models.ProductRecord, bool) {
	href := p.extractHref(card)
	if href == "" {
		return models.ProductRecord{}, false
	}

	fullURL, ok := resolve(base, href)
	if !ok {
		return models.ProductRecord{}, false
	}

	name := cleanString(card.Find(p.selectors.Name).First().Text())

	imageURL := ""
	if src := p.extractImage(card); src != "" {
		if resolved, ok := resolve(base, src); ok {
			imageURL = resolved
		}
	}

	price := cleanString(card.Find(p.selectors.Price).First().Text())

	return models.NewProductRecord(name, fullURL, imageURL, price), true
}

// extractHref prefers the card's own href (cards are often the anchor
// itself) and falls back to the first link inside it.
func (p *ListingParser) extractHref(card *goquery.Selection) string {
	if href, exists := card.Attr("href"); exists && strings.TrimSpace(href) != "" {
		return strings.TrimSpace(href)
	}
	if href, exists := card.Find("a[href]").First().Attr("href"); exists {
		return strings.TrimSpace(href)
	}
	return ""
}

func (p *ListingParser) extractImage(card *goquery.Selection) string {
	img := card.Find(p.selectors.Image).First()

	for _, attr := range []string{"src", "data-src", "data-lazy-src"} {
		if v, exists := img.Attr(attr); exists {
			v = strings.TrimSpace(v)
			if v != "" && !strings.HasPrefix(v, "data:") {
				return v
			}
		}
	}

	if srcset, exists := img.Attr("srcset"); exists {
		first := strings.TrimSpace(strings.Split(srcset, ",")[0])
		if fields := strings.Fields(first); len(fields) > 0 {
			return fields[0]
		}
	}

	return ""
}

func resolve(base *url.URL, ref string) (string, bool) {
	if strings.HasPrefix(ref, "javascript:") || strings.HasPrefix(ref, "#") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(u).String(), true
}

func cleanString(s string) string {
	return strings.TrimSpace(whitespace.ReplaceAllString(s, " "))
}
