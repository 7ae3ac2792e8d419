package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/maltedev/catalog-monitor/internal/diff"
	"github.com/maltedev/catalog-monitor/internal/fetcher"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/parser"
	"github.com/maltedev/catalog-monitor/internal/ratelimit"
	"github.com/maltedev/catalog-monitor/internal/report"
	"github.com/maltedev/catalog-monitor/internal/scraper"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
	"github.com/maltedev/catalog-monitor/internal/storage"
)

const (
	mimeCSV  = "text/csv"
	mimeHTML = "text/html"
)

// Notifier is told about every newly listed product.
type Notifier interface {
	PublishNewProduct(ctx context.Context, runID string, date time.Time, rec models.ProductRecord) error
}

// Recorder keeps a history of finished runs.
type Recorder interface {
	Record(ctx context.Context, r *RunReport) error
}

// StoreOpener resolves the blob store for one run. Returning an error that
// wraps storage.ErrAuth degrades the run to a local snapshot only.
type StoreOpener func(ctx context.Context) (storage.BlobStore, error)

type Deps struct {
	OpenFetcher fetcher.OpenFunc
	Parser      parser.Extractor
	OpenStore   StoreOpener
	Limiter     ratelimit.Limiter
	Notifier    Notifier
	Recorder    Recorder
	Clock       func() time.Time
	Logger      *slog.Logger
}

type Settings struct {
	BaseURL   string
	MaxPages  int
	PageParam string
	FolderID  string
	OutputDir string
}

// Pipeline runs crawl, snapshot, sync, compare, report and notify in order.
type Pipeline struct {
	deps     Deps
	settings Settings
	logger   *slog.Logger

	running sync.Mutex

	mu   sync.RWMutex
	last *RunReport
}

func New(deps Deps, settings Settings) (*Pipeline, error) {
	if deps.OpenFetcher == nil {
		return nil, errors.New("fetcher opener is required")
	}
	if deps.Parser == nil {
		return nil, errors.New("parser is required")
	}
	if settings.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	if settings.MaxPages < 1 {
		return nil, fmt.Errorf("max pages must be at least 1, got %d", settings.MaxPages)
	}
	if settings.OutputDir == "" {
		settings.OutputDir = "."
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.Unlimited{}
	}

	return &Pipeline{
		deps:     deps,
		settings: settings,
		logger:   deps.Logger.With("component", "pipeline"),
	}, nil
}

// Last returns the most recent finished run, or nil.
func (p *Pipeline) Last() *RunReport {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Running reports whether a run is in progress.
func (p *Pipeline) Running() bool {
	if p.running.TryLock() {
		p.running.Unlock()
		return false
	}
	return true
}

// Run executes one monitoring pass. The returned error is non-nil only when
// today's snapshot could not be captured; every other failure is recorded
// on its stage in the report.
func (p *Pipeline) Run(ctx context.Context) (*RunReport, error) {
	if !p.running.TryLock() {
		return nil, ErrRunInProgress
	}
	defer p.running.Unlock()

	now := p.deps.Clock()
	date := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	rep := newRunReport(now, date)
	logger := p.logger.With("run_id", rep.ID.String(), "date", date.Format("2006-01-02"))

	logger.Info("starting run", "base_url", p.settings.BaseURL, "max_pages", p.settings.MaxPages)

	err := p.run(ctx, rep, logger)

	rep.FinishedAt = p.deps.Clock()
	rep.Outcome = p.finalOutcome(rep, err)

	if p.deps.Recorder != nil {
		if rerr := p.deps.Recorder.Record(ctx, rep); rerr != nil {
			logger.Warn("failed to record run", "error", rerr)
		}
	}

	p.mu.Lock()
	p.last = rep
	p.mu.Unlock()

	logger.Info("run finished",
		"outcome", rep.Outcome.String(),
		"unique_records", rep.Unique,
		"new_items", len(rep.NewItems),
		"comparison", rep.Comparison,
		"duration", rep.FinishedAt.Sub(rep.StartedAt),
	)

	return rep, err
}

func (p *Pipeline) finalOutcome(rep *RunReport, err error) models.Outcome {
	if err != nil {
		if rep.Stages[StageCrawl].Outcome == models.OutcomeBlocked {
			return models.OutcomeBlocked
		}
		return models.OutcomeError
	}
	return rep.overall()
}

func (p *Pipeline) run(ctx context.Context, rep *RunReport, logger *slog.Logger) error {
	crawl, err := p.crawl(ctx, rep, logger)
	if err != nil {
		return err
	}

	today := snapshot.New(rep.Date, crawl.Records)
	rep.Unique = today.Len()
	logger.Info("deduplicated records", "raw", rep.RawRecords, "unique", rep.Unique)

	if err := p.writeSnapshot(rep, today); err != nil {
		rep.set(StageSnapshot, models.OutcomeError, err, "")
		return &StageError{Stage: StageSnapshot, Err: err}
	}
	rep.set(StageSnapshot, models.OutcomeSuccess, nil, rep.SnapshotPath)
	logger.Info("saved snapshot", "path", rep.SnapshotPath)

	store := p.openStore(ctx, rep, logger)
	if store != nil {
		p.upload(ctx, rep, store, logger)
		p.compare(ctx, rep, store, today, logger)
	}

	if len(rep.NewItems) > 0 {
		p.writeReport(ctx, rep, store, logger)
		p.notify(ctx, rep, logger)
	}

	return nil
}

// crawl runs the paginator inside a scoped fetch session.
func (p *Pipeline) crawl(ctx context.Context, rep *RunReport, logger *slog.Logger) (*scraper.CrawlResult, error) {
	var crawl *scraper.CrawlResult

	sessionErr := fetcher.WithSession(ctx, p.deps.OpenFetcher, func(f fetcher.Fetcher) error {
		pag, err := scraper.NewPaginator(f, p.deps.Parser, scraper.Options{
			BaseURL:   p.settings.BaseURL,
			MaxPages:  p.settings.MaxPages,
			PageParam: p.settings.PageParam,
			Limiter:   p.deps.Limiter,
			Logger:    p.deps.Logger,
		})
		if err != nil {
			return err
		}
		crawl = pag.Crawl(ctx)
		return nil
	})

	if crawl == nil {
		rep.set(StageCrawl, models.OutcomeError, sessionErr, "")
		return nil, &StageError{Stage: StageCrawl, Err: sessionErr}
	}

	rep.Pages = crawl.Pages
	rep.Stop = crawl.Stop.String()
	rep.RawRecords = len(crawl.Records)
	rep.Skipped = crawl.Skipped

	stageErr := errors.Join(crawl.Err, sessionErr)
	if sessionErr != nil {
		logger.Warn("fetch session did not close cleanly", "error", sessionErr)
	}

	if len(crawl.Records) == 0 {
		outcome := crawl.Outcome
		if outcome == models.OutcomeSuccess {
			outcome = models.OutcomeError
		}
		err := ErrNoRecords
		if stageErr != nil {
			err = fmt.Errorf("%w: %w", ErrNoRecords, stageErr)
		}
		rep.set(StageCrawl, outcome, err, rep.Stop)
		return nil, &StageError{Stage: StageCrawl, Err: err}
	}

	rep.set(StageCrawl, crawl.Outcome, stageErr, rep.Stop)
	if crawl.Outcome != models.OutcomeSuccess {
		logger.Warn("crawl ended early, continuing with gathered records",
			"outcome", crawl.Outcome.String(),
			"stop", rep.Stop,
			"records", len(crawl.Records),
			"error", crawl.Err)
	}

	return crawl, nil
}

func (p *Pipeline) writeSnapshot(rep *RunReport, today models.Snapshot) error {
	var buf bytes.Buffer
	if err := snapshot.Encode(&buf, today.Records()); err != nil {
		return err
	}

	if err := os.MkdirAll(p.settings.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	path := filepath.Join(p.settings.OutputDir, today.FileName())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}

	rep.SnapshotPath = path
	return nil
}

func (p *Pipeline) openStore(ctx context.Context, rep *RunReport, logger *slog.Logger) storage.BlobStore {
	if p.deps.OpenStore == nil {
		rep.set(StageSync, models.OutcomeSkipped, nil, "no store configured")
		rep.set(StageCompare, models.OutcomeSkipped, nil, "no store configured")
		return nil
	}

	store, err := p.deps.OpenStore(ctx)
	if err != nil {
		detail := "store unavailable"
		if errors.Is(err, storage.ErrAuth) {
			detail = "store authentication failed, local snapshot only"
		}
		logger.Error("failed to open store", "error", err)
		rep.set(StageSync, models.OutcomeError, err, detail)
		rep.set(StageCompare, models.OutcomeSkipped, nil, detail)
		return nil
	}
	return store
}

func (p *Pipeline) upload(ctx context.Context, rep *RunReport, store storage.BlobStore, logger *slog.Logger) {
	name := filepath.Base(rep.SnapshotPath)
	id, err := store.Put(ctx, rep.SnapshotPath, name, p.settings.FolderID, mimeCSV)
	if err != nil {
		logger.Error("failed to upload snapshot", "name", name, "error", err)
		rep.set(StageSync, models.OutcomeError, err, "")
		return
	}

	rep.SnapshotID = id
	rep.set(StageSync, models.OutcomeSuccess, nil, id)
	logger.Info("uploaded snapshot", "name", name, "id", id)
}

func (p *Pipeline) compare(ctx context.Context, rep *RunReport, store storage.BlobStore, today models.Snapshot, logger *slog.Logger) {
	artifacts, err := store.List(ctx, p.settings.FolderID, models.SnapshotSuffix)
	if err != nil {
		logger.Error("failed to list snapshots", "error", err)
		rep.set(StageCompare, models.OutcomeError, err, "")
		return
	}

	prev, ok := snapshot.SelectPrevious(artifacts, today.FileName())
	if !ok {
		logger.Info("no previous snapshot, skipping comparison")
		res := diff.Compare(today, nil)
		rep.Comparison = res.Status
		rep.set(StageCompare, models.OutcomeSuccess, nil, string(res.Status))
		return
	}
	rep.Previous = &prev
	logger.Info("found previous snapshot", "name", prev.Name, "id", prev.ID)

	// an unreadable or empty previous snapshot means no comparison, not a failed run
	previous, err := p.loadPrevious(ctx, store, prev)
	if err != nil {
		logger.Warn("comparison not possible", "previous", prev.Name, "error", err)
		rep.Comparison = diff.StatusNotPossible
		rep.set(StageCompare, models.OutcomeSkipped, err, "no comparison possible")
		return
	}
	if len(previous) == 0 {
		logger.Warn("previous snapshot is empty, skipping comparison", "previous", prev.Name)
		rep.Comparison = diff.StatusNotPossible
		rep.set(StageCompare, models.OutcomeSkipped, nil, "previous snapshot is empty")
		return
	}

	res := diff.Compare(today, previous)
	rep.Comparison = res.Status
	rep.NewItems = res.NewItems
	rep.set(StageCompare, models.OutcomeSuccess, nil, fmt.Sprintf("%d new items", len(res.NewItems)))
	logger.Info("comparison complete", "previous_urls", res.Previous, "new_items", len(res.NewItems))
}

func (p *Pipeline) loadPrevious(ctx context.Context, store storage.BlobStore, prev snapshot.Artifact) (snapshot.URLSet, error) {
	data, err := store.Get(ctx, prev.ID)
	if err != nil {
		return nil, err
	}

	decoded, err := snapshot.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", prev.Name, err)
	}
	if decoded.Skipped > 0 {
		p.logger.Warn("skipped short rows in previous snapshot",
			"previous", prev.Name,
			"schema", decoded.Schema.String(),
			"skipped", decoded.Skipped)
	}

	return snapshot.Normalize(decoded.Rows), nil
}

func (p *Pipeline) writeReport(ctx context.Context, rep *RunReport, store storage.BlobStore, logger *slog.Logger) {
	name := models.ReportFileName(rep.Date)
	path := filepath.Join(p.settings.OutputDir, name)

	if err := report.WriteFile(path, report.Report{Date: rep.Date, Items: rep.NewItems}); err != nil {
		logger.Error("failed to write report", "error", err)
		rep.set(StageReport, models.OutcomeError, err, "")
		return
	}
	rep.ReportPath = path
	logger.Info("saved report", "path", path, "items", len(rep.NewItems))

	if store == nil {
		rep.set(StageReport, models.OutcomeSuccess, nil, path)
		return
	}

	id, err := store.Put(ctx, path, name, p.settings.FolderID, mimeHTML)
	if err != nil {
		logger.Error("failed to upload report", "error", err)
		rep.set(StageReport, models.OutcomePartial, err, path)
		return
	}
	rep.ReportID = id
	rep.set(StageReport, models.OutcomeSuccess, nil, path)
}

func (p *Pipeline) notify(ctx context.Context, rep *RunReport, logger *slog.Logger) {
	if p.deps.Notifier == nil {
		return
	}

	var errs []error
	for _, item := range rep.NewItems {
		if err := p.deps.Notifier.PublishNewProduct(ctx, rep.ID.String(), rep.Date, item); err != nil {
			errs = append(errs, err)
		}
	}

	switch {
	case len(errs) == 0:
		rep.set(StageNotify, models.OutcomeSuccess, nil, fmt.Sprintf("%d events", len(rep.NewItems)))
	case len(errs) < len(rep.NewItems):
		rep.set(StageNotify, models.OutcomePartial, errors.Join(errs...), "")
	default:
		rep.set(StageNotify, models.OutcomeError, errors.Join(errs...), "")
	}

	if len(errs) > 0 {
		logger.Error("failed to publish events", "failed", len(errs), "total", len(rep.NewItems))
	}
}
