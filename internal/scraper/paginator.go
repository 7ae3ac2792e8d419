package scraper

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/maltedev/catalog-monitor/internal/fetcher"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/parser"
	"github.com/maltedev/catalog-monitor/internal/ratelimit"
)

// ErrConsumed is yielded when a Paginator is ranged over a second time.
var ErrConsumed = errors.New("paginator already consumed")

type Options struct {
	BaseURL   string
	MaxPages  int
	PageParam string
	Limiter   ratelimit.Limiter
	Logger    *slog.Logger
}

// StopReason says why pagination ended.
type StopReason int

const (
	StopCapReached StopReason = iota
	StopEndOfCatalog
	StopBlocked
	StopFetchFailed
	StopCancelled
)

func (r StopReason) String() string {
	switch r {
	case StopCapReached:
		return "cap_reached"
	case StopEndOfCatalog:
		return "end_of_catalog"
	case StopBlocked:
		return "blocked"
	case StopFetchFailed:
		return "fetch_failed"
	case StopCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// PageBatch is the raw output of one listing page.
type PageBatch struct {
	Page    int
	URL     string
	Fetched bool
	Records []models.ProductRecord
	Skipped int
	Err     error
}

type CrawlResult struct {
	Records []models.ProductRecord
	Pages   int
	Skipped int
	Stop    StopReason
	Outcome models.Outcome
	Err     error
}

// Paginator walks listing pages 1..MaxPages in order, one request at a time.
type Paginator struct {
	fetcher fetcher.Fetcher
	parser  parser.Extractor
	opts    Options
	logger  *slog.Logger
	started atomic.Bool
}

func NewPaginator(f fetcher.Fetcher, p parser.Extractor, opts Options) (*Paginator, error) {
	if _, err := url.Parse(opts.BaseURL); err != nil || opts.BaseURL == "" {
		return nil, fmt.Errorf("invalid base url %q", opts.BaseURL)
	}
	if opts.MaxPages < 1 {
		return nil, fmt.Errorf("max pages must be at least 1, got %d", opts.MaxPages)
	}
	if opts.PageParam == "" {
		opts.PageParam = "page"
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Unlimited{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Paginator{
		fetcher: f,
		parser:  p,
		opts:    opts,
		logger:  opts.Logger.With("component", "paginator"),
	}, nil
}

// Pages lazily fetches and parses pages. The sequence ends after the first
// page with no records, after the first error, or at MaxPages. It can be
// ranged over once.
func (p *Paginator) Pages(ctx context.Context) iter.Seq[PageBatch] {
	return func(yield func(PageBatch) bool) {
		if !p.started.CompareAndSwap(false, true) {
			yield(PageBatch{Err: ErrConsumed})
			return
		}

		for page := 1; page <= p.opts.MaxPages; page++ {
			if page > 1 {
				if err := p.opts.Limiter.Wait(ctx); err != nil {
					yield(PageBatch{Page: page, Err: err})
					return
				}
			}

			batch := p.fetchPage(ctx, page)
			if !yield(batch) {
				return
			}
			if batch.Err != nil || len(batch.Records) == 0 {
				return
			}
		}
	}
}

func (p *Paginator) fetchPage(ctx context.Context, page int) PageBatch {
	batch := PageBatch{Page: page}

	pageURL, err := PageURL(p.opts.BaseURL, p.opts.PageParam, page)
	if err != nil {
		batch.Err = err
		return batch
	}
	batch.URL = pageURL

	p.logger.Info("fetching page", "page", page, "url", pageURL)

	content, err := p.fetcher.Fetch(ctx, pageURL)
	batch.Fetched = true
	if err != nil {
		batch.Err = err
		return batch
	}

	extract, err := p.parser.Parse(content, pageURL)
	if extract != nil {
		batch.Records = extract.Records
		batch.Skipped = extract.Skipped
	}
	if err != nil {
		batch.Err = err
		return batch
	}

	if extract.Skipped > 0 {
		p.logger.Warn("skipped unparseable cards", "page", page, "skipped", extract.Skipped)
	}
	p.logger.Info("found products on page", "page", page, "count", len(batch.Records))

	return batch
}

// Crawl drains Pages into a single result. Records gathered before a
// failure are kept.
func (p *Paginator) Crawl(ctx context.Context) *CrawlResult {
	res := &CrawlResult{Stop: StopCapReached}

	for batch := range p.Pages(ctx) {
		if batch.Fetched {
			res.Pages++
		}
		res.Records = append(res.Records, batch.Records...)
		res.Skipped += batch.Skipped

		if batch.Err != nil {
			res.Err = batch.Err
			res.Stop = classify(ctx, batch.Err)
			p.logger.Error("pagination stopped", "page", batch.Page, "reason", res.Stop.String(), "error", batch.Err)
			break
		}
		if len(batch.Records) == 0 {
			res.Stop = StopEndOfCatalog
		}
	}

	res.Outcome = outcomeFor(res)

	p.logger.Info("crawl finished",
		"pages", res.Pages,
		"records", len(res.Records),
		"stop", res.Stop.String(),
		"outcome", res.Outcome.String(),
	)

	return res
}

func classify(ctx context.Context, err error) StopReason {
	switch {
	case errors.Is(err, fetcher.ErrBlocked):
		return StopBlocked
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return StopCancelled
	default:
		return StopFetchFailed
	}
}

func outcomeFor(res *CrawlResult) models.Outcome {
	switch res.Stop {
	case StopCapReached, StopEndOfCatalog:
		return models.OutcomeSuccess
	case StopBlocked:
		return models.OutcomeBlocked
	}
	if len(res.Records) > 0 {
		return models.OutcomePartial
	}
	return models.OutcomeError
}

// PageURL returns the listing URL for page n. Page 1 is the base URL as
// configured; later pages set the page query parameter.
func PageURL(base, param string, page int) (string, error) {
	if page <= 1 {
		return base, nil
	}

	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base url %q: %w", base, err)
	}
	q := u.Query()
	q.Set(param, strconv.Itoa(page))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
