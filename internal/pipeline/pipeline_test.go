package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maltedev/catalog-monitor/internal/diff"
	"github.com/maltedev/catalog-monitor/internal/fetcher"
	"github.com/maltedev/catalog-monitor/internal/models"
	"github.com/maltedev/catalog-monitor/internal/parser"
	"github.com/maltedev/catalog-monitor/internal/snapshot"
	"github.com/maltedev/catalog-monitor/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const (
	baseURL  = "https://shop.example/men/new-arrivals/"
	folderID = "folder-1"
)

var runDate = time.Date(2024, 5, 17, 6, 30, 0, 0, time.UTC)

func listingPage(slugs ...string) string {
	var b strings.Builder
	b.WriteString(`<html><body><div id="product-listing"><ul>`)
	for _, s := range slugs {
		fmt.Fprintf(&b, `<li><a href="/p/%s?ref=listing"><img src="/img/%s.jpg"><h1>%s</h1><span class="price red">SAR 10</span></a></li>`, s, s, s)
	}
	b.WriteString(`</ul></div></body></html>`)
	return b.String()
}

const challengePage = `<html><head><title>Just a moment...</title></head><body><div id="cf-challenge"></div></body></html>`

// siteFetcher serves pages in request order; past the end it serves an
// empty listing.
type siteFetcher struct {
	pages   []string
	errs    map[int]error
	fetched int
	closed  int
	gate    chan struct{}
	entered chan struct{}
}

func (f *siteFetcher) Fetch(ctx context.Context, _ string) (string, error) {
	f.fetched++
	if f.entered != nil {
		close(f.entered)
		f.entered = nil
		<-f.gate
	}
	if err, ok := f.errs[f.fetched]; ok {
		return "", err
	}
	if f.fetched <= len(f.pages) {
		return f.pages[f.fetched-1], nil
	}
	return listingPage(), nil
}

func (f *siteFetcher) Close() error {
	f.closed++
	return nil
}

func (f *siteFetcher) open(context.Context) (fetcher.Fetcher, error) {
	return f, nil
}

// memStore is an in-memory BlobStore.
type memStore struct {
	mu      sync.Mutex
	items   []memItem
	putErr  error
	listErr error
	getErr  error
	clock   time.Time
}

type memItem struct {
	artifact snapshot.Artifact
	folder   string
	mime     string
	data     []byte
}

func (s *memStore) add(name string, created time.Time, data string) {
	s.items = append(s.items, memItem{
		artifact: snapshot.Artifact{ID: fmt.Sprintf("id-%d", len(s.items)+1), Name: name, CreatedTime: created},
		folder:   folderID,
		mime:     "text/csv",
		data:     []byte(data),
	})
}

func (s *memStore) Put(_ context.Context, localPath, name, folder, mimeType string) (string, error) {
	if s.putErr != nil {
		return "", &storage.StoreError{Op: "put", Err: s.putErr}
	}
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, memItem{
		artifact: snapshot.Artifact{ID: fmt.Sprintf("id-%d", len(s.items)+1), Name: name, CreatedTime: runDate},
		folder:   folder,
		mime:     mimeType,
		data:     data,
	})
	return s.items[len(s.items)-1].artifact.ID, nil
}

func (s *memStore) List(_ context.Context, folder, suffix string) ([]snapshot.Artifact, error) {
	if s.listErr != nil {
		return nil, &storage.StoreError{Op: "list", Err: s.listErr}
	}
	var out []snapshot.Artifact
	for _, it := range s.items {
		if it.folder == folder && strings.HasSuffix(it.artifact.Name, suffix) {
			out = append(out, it.artifact)
		}
	}
	return out, nil
}

func (s *memStore) Get(_ context.Context, id string) ([]byte, error) {
	if s.getErr != nil {
		return nil, &storage.StoreError{Op: "get", Err: s.getErr}
	}
	for _, it := range s.items {
		if it.artifact.ID == id {
			return it.data, nil
		}
	}
	return nil, &storage.StoreError{Op: "get", Err: storage.ErrNotFound}
}

func (s *memStore) names(mime string) []string {
	var out []string
	for _, it := range s.items {
		if it.mime == mime {
			out = append(out, it.artifact.Name)
		}
	}
	return out
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) PublishNewProduct(ctx context.Context, runID string, date time.Time, rec models.ProductRecord) error {
	args := m.Called(ctx, runID, date, rec)
	return args.Error(0)
}

type fakeRecorder struct {
	runs []*RunReport
}

func (r *fakeRecorder) Record(_ context.Context, rep *RunReport) error {
	r.runs = append(r.runs, rep)
	return nil
}

type harness struct {
	site     *siteFetcher
	store    *memStore
	storeErr error
	notifier Notifier
	recorder *fakeRecorder
	outDir   string
}

func newHarness(t *testing.T, pages ...string) *harness {
	return &harness{
		site:     &siteFetcher{pages: pages},
		store:    &memStore{},
		recorder: &fakeRecorder{},
		outDir:   t.TempDir(),
	}
}

func (h *harness) pipeline(t *testing.T) *Pipeline {
	t.Helper()

	deps := Deps{
		OpenFetcher: h.site.open,
		Parser: parser.NewListingParser(parser.Selectors{
			Card:  "#product-listing ul li a",
			Name:  "h1",
			Image: "img",
			Price: "span.price.red",
		}, nil),
		OpenStore: func(context.Context) (storage.BlobStore, error) {
			if h.storeErr != nil {
				return nil, h.storeErr
			}
			return h.store, nil
		},
		Notifier: h.notifier,
		Recorder: h.recorder,
		Clock:    func() time.Time { return runDate },
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	p, err := New(deps, Settings{
		BaseURL:   baseURL,
		MaxPages:  10,
		FolderID:  folderID,
		OutputDir: h.outDir,
	})
	require.NoError(t, err)
	return p
}

func legacyCSV(slugs ...string) string {
	var b bytes.Buffer
	b.WriteString("Product Name,URL,Image URL\n")
	for _, s := range slugs {
		fmt.Fprintf(&b, "%s,https://shop.example/p/%s?ref=old,https://shop.example/img/%s.jpg\n", s, s, s)
	}
	return b.String()
}

func TestRunFirstRun(t *testing.T) {
	h := newHarness(t, listingPage("A", "B"), listingPage("C"))

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Captured())
	assert.Equal(t, models.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, diff.StatusNoPrevious, rep.Comparison)
	assert.Empty(t, rep.NewItems)
	assert.Equal(t, 3, rep.Pages, "third page is empty")
	assert.Equal(t, 3, rep.Unique)
	assert.Equal(t, 1, h.site.closed)

	data, err := os.ReadFile(filepath.Join(h.outDir, "2024-05-17-products.csv"))
	require.NoError(t, err)
	decoded, err := snapshot.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, snapshot.SchemaV5, decoded.Schema)
	assert.Len(t, decoded.Rows, 3)

	assert.Equal(t, []string{"2024-05-17-products.csv"}, h.store.names("text/csv"))
	assert.Empty(t, rep.ReportPath)
	require.Len(t, h.recorder.runs, 1)
	assert.Same(t, rep, h.recorder.runs[0])
}

func TestRunFindsNewItemsAgainstLegacySnapshot(t *testing.T) {
	notifier := new(MockNotifier)
	h := newHarness(t, listingPage("A", "B", "C"))
	h.notifier = notifier
	h.store.add("2024-05-15-products.csv", runDate.Add(-48*time.Hour), legacyCSV("A"))
	h.store.add("2024-05-16-products.csv", runDate.Add(-24*time.Hour), legacyCSV("A", "B"))

	notifier.On("PublishNewProduct", mock.Anything, mock.AnythingOfType("string"), mock.Anything,
		mock.MatchedBy(func(r models.ProductRecord) bool { return r.CanonicalURL == "https://shop.example/p/C" })).
		Return(nil).Once()

	p := h.pipeline(t)
	rep, err := p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSuccess, rep.Outcome)
	assert.Equal(t, diff.StatusCompared, rep.Comparison)
	require.NotNil(t, rep.Previous)
	assert.Equal(t, "2024-05-16-products.csv", rep.Previous.Name)

	require.Len(t, rep.NewItems, 1)
	assert.Equal(t, "https://shop.example/p/C", rep.NewItems[0].CanonicalURL)

	assert.FileExists(t, filepath.Join(h.outDir, "2024-05-17-NEWLY-ADDED.html"))
	assert.Equal(t, []string{"2024-05-17-NEWLY-ADDED.html"}, h.store.names("text/html"))
	assert.NotEmpty(t, rep.ReportID)
	notifier.AssertExpectations(t)

	assert.Same(t, rep, p.Last())
}

func TestRunAgainstIdenticalSnapshotFindsNothing(t *testing.T) {
	h := newHarness(t, listingPage("A", "B"))
	h.store.add("2024-05-16-products.csv", runDate.Add(-24*time.Hour), legacyCSV("A", "B"))

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, diff.StatusCompared, rep.Comparison)
	assert.Empty(t, rep.NewItems)
	assert.Empty(t, rep.ReportPath)
}

func TestRunDegradesOnAuthFailure(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	h.storeErr = &storage.StoreError{Op: "auth", Err: fmt.Errorf("%w: token missing", storage.ErrAuth)}

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.True(t, rep.Captured())
	assert.FileExists(t, rep.SnapshotPath)
	assert.ErrorIs(t, rep.Stages[StageSync].Err, storage.ErrAuth)
	assert.Equal(t, models.OutcomeSkipped, rep.Stages[StageCompare].Outcome)
	assert.Equal(t, models.OutcomePartial, rep.Outcome)
}

func TestRunZeroRecordsFails(t *testing.T) {
	h := newHarness(t, listingPage())

	rep, err := h.pipeline(t).Run(context.Background())

	require.ErrorIs(t, err, ErrNoRecords)
	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageCrawl, stageErr.Stage)

	assert.False(t, rep.Captured())
	assert.Equal(t, models.OutcomeError, rep.Outcome)
	assert.NoFileExists(t, filepath.Join(h.outDir, "2024-05-17-products.csv"))
	assert.Equal(t, 1, h.site.closed)
}

func TestRunBlockedOnFirstPage(t *testing.T) {
	h := newHarness(t, challengePage)

	rep, err := h.pipeline(t).Run(context.Background())

	assert.ErrorIs(t, err, ErrNoRecords)
	assert.ErrorIs(t, err, fetcher.ErrBlocked)
	assert.Equal(t, models.OutcomeBlocked, rep.Outcome)
	assert.Equal(t, "blocked", rep.Stop)
}

func TestRunBlockedMidCrawlKeepsRecords(t *testing.T) {
	h := newHarness(t, listingPage("A", "B"), challengePage, listingPage("C"))

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, h.site.fetched)
	assert.Equal(t, 2, rep.Unique)
	assert.Equal(t, models.OutcomeBlocked, rep.Stages[StageCrawl].Outcome)
	assert.ErrorIs(t, rep.Stages[StageCrawl].Err, fetcher.ErrBlocked)
	assert.Equal(t, models.OutcomeBlocked, rep.Outcome)
	assert.True(t, rep.Captured())
}

func TestRunFetchFailureKeepsRecords(t *testing.T) {
	h := newHarness(t, listingPage("A"), listingPage("B"))
	h.site.errs = map[int]error{2: &fetcher.FetchError{URL: baseURL, Err: errors.New("timeout")}}

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, rep.Unique)
	assert.Equal(t, models.OutcomePartial, rep.Outcome)
	assert.Equal(t, "fetch_failed", rep.Stop)
}

func TestRunUploadFailureIsNotFatal(t *testing.T) {
	h := newHarness(t, listingPage("A", "B"))
	h.store.add("2024-05-16-products.csv", runDate.Add(-24*time.Hour), legacyCSV("A"))
	h.store.putErr = errors.New("quota exceeded")

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeError, rep.Stages[StageSync].Outcome)
	assert.Equal(t, diff.StatusCompared, rep.Comparison)
	assert.Len(t, rep.NewItems, 1)
	assert.Equal(t, models.OutcomePartial, rep.Stages[StageReport].Outcome)
	assert.FileExists(t, rep.ReportPath)
	assert.Equal(t, models.OutcomePartial, rep.Outcome)
}

func TestRunEmptyPreviousSkipsComparison(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	h.store.add("2024-05-16-products.csv", runDate.Add(-24*time.Hour), "Product Name,URL,Image URL,Base URL,Price\n")

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.OutcomeSkipped, rep.Stages[StageCompare].Outcome)
	assert.Equal(t, diff.StatusNotPossible, rep.Comparison)
	assert.Empty(t, rep.NewItems)
	assert.Equal(t, models.OutcomeSuccess, rep.Outcome)
}

func TestRunSchemaErrorOnlyAbortsComparison(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	h.store.add("2024-05-16-products.csv", runDate.Add(-24*time.Hour), "a,b,c,d,e,f,g\n1,2,3,4,5,6,7\n")

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	var schemaErr *snapshot.SchemaError
	assert.ErrorAs(t, rep.Stages[StageCompare].Err, &schemaErr)
	assert.Equal(t, models.OutcomeSkipped, rep.Stages[StageCompare].Outcome)
	assert.Equal(t, "no comparison possible", rep.Stages[StageCompare].Detail)
	assert.Equal(t, diff.StatusNotPossible, rep.Comparison)
	assert.True(t, rep.Captured())
	assert.Equal(t, models.OutcomeSuccess, rep.Outcome)
}

func TestRunPreviousDownloadFailureIsNoComparison(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	h.store.add("2024-05-16-products.csv", runDate.Add(-24*time.Hour), "Product Name,URL,Image URL\n")
	h.store.getErr = errors.New("connection reset")

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	var storeErr *storage.StoreError
	assert.ErrorAs(t, rep.Stages[StageCompare].Err, &storeErr)
	assert.Equal(t, models.OutcomeSkipped, rep.Stages[StageCompare].Outcome)
	assert.Equal(t, diff.StatusNotPossible, rep.Comparison)
	assert.Empty(t, rep.NewItems)
	assert.Equal(t, models.OutcomeSuccess, rep.Outcome)
}

func TestRunListFailure(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	h.store.listErr = errors.New("backend down")

	rep, err := h.pipeline(t).Run(context.Background())
	require.NoError(t, err)

	var storeErr *storage.StoreError
	assert.ErrorAs(t, rep.Stages[StageCompare].Err, &storeErr)
	assert.Empty(t, rep.Comparison)
}

func TestRunWithoutStore(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	p := h.pipeline(t)
	p.deps.OpenStore = nil

	rep, err := p.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeSkipped, rep.Stages[StageSync].Outcome)
	assert.Equal(t, models.OutcomeSuccess, rep.Outcome)
}

func TestRunSessionOpenFailure(t *testing.T) {
	h := newHarness(t)
	p := h.pipeline(t)
	p.deps.OpenFetcher = func(context.Context) (fetcher.Fetcher, error) {
		return nil, errors.New("chromium not installed")
	}

	rep, err := p.Run(context.Background())

	var stageErr *StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, StageCrawl, stageErr.Stage)
	assert.Equal(t, models.OutcomeError, rep.Outcome)
}

func TestRunRejectsOverlap(t *testing.T) {
	h := newHarness(t, listingPage("A"))
	h.site.gate = make(chan struct{})
	h.site.entered = make(chan struct{})
	entered := h.site.entered
	p := h.pipeline(t)

	done := make(chan error, 1)
	go func() {
		_, err := p.Run(context.Background())
		done <- err
	}()

	<-entered
	assert.True(t, p.Running())
	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)

	close(h.site.gate)
	require.NoError(t, <-done)
	assert.False(t, p.Running())
}

func TestNewValidates(t *testing.T) {
	_, err := New(Deps{}, Settings{BaseURL: baseURL, MaxPages: 1})
	assert.Error(t, err)

	h := newHarness(t)
	deps := Deps{OpenFetcher: h.site.open, Parser: parser.NewListingParser(parser.Selectors{Card: "a"}, nil)}
	_, err = New(deps, Settings{MaxPages: 1})
	assert.Error(t, err)
	_, err = New(deps, Settings{BaseURL: baseURL})
	assert.Error(t, err)
}

func TestRunRow(t *testing.T) {
	rep := newRunReport(runDate, runDate)
	rep.SnapshotPath = "/out/2024-05-17-products.csv"
	rep.Previous = &snapshot.Artifact{Name: "2024-05-16-products.csv"}
	rep.NewItems = []models.ProductRecord{{}, {}}
	rep.Outcome = models.OutcomePartial
	rep.set(StageSync, models.OutcomeError, errors.New("quota"), "")

	row := runRow(rep)
	assert.Equal(t, "2024-05-17-products.csv", row.SnapshotName)
	assert.Equal(t, 2, row.NewItems)
	assert.Equal(t, "partial", row.Outcome)
	require.NotNil(t, row.PreviousName)
	require.NotNil(t, row.ErrorMessage)
	assert.Contains(t, *row.ErrorMessage, "sync stage: quota")
}
