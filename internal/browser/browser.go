package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/maltedev/catalog-monitor/internal/fetcher"
	"github.com/playwright-community/playwright-go"
)

// Browser is a single Chromium session used as a page fetcher. It owns one
// tab that is reused for every page of a run.
type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	page    playwright.Page
	opts    *Options
	logger  *slog.Logger

	closeOnce sync.Once
	closeErr  error
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExtraHeaders   map[string]string

	// WaitSelector is awaited after navigation so lazily rendered cards
	// are in the DOM before the content is read.
	WaitSelector   string
	MaxRetries     int
	ChallengeGrace time.Duration
	Markers        []string
	Logger         *slog.Logger
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
		AcceptLanguage: "en-US,en;q=0.9",
		TimezoneID:     "Asia/Riyadh",
		Locale:         "en-US",
		MaxRetries:     3,
		ChallengeGrace: 8 * time.Second,
		Markers:        fetcher.DefaultChallengeMarkers(),
		ExtraHeaders: map[string]string{
			"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
			"DNT":    "1",
		},
	}
}

func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if len(opts.Markers) == 0 {
		opts.Markers = fetcher.DefaultChallengeMarkers()
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless: &opts.Headless,
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
			"--disable-gpu",
			fmt.Sprintf("--window-size=%d,%d", opts.ViewportWidth, opts.ViewportHeight),
			"--user-agent=" + opts.UserAgent,
		},
	}

	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{
			Server: opts.ProxyServer,
		}
	}

	browser, err := pw.Chromium.Launch(launchOpts)
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	headers := make(map[string]string, len(opts.ExtraHeaders)+1)
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}
	if opts.AcceptLanguage != "" {
		headers["Accept-Language"] = opts.AcceptLanguage
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         &opts.UserAgent,
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            &opts.Locale,
		TimezoneId:        &opts.TimezoneID,
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: headers,
	}

	bctx, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create browser context: %w", err)
	}

	// hide the webdriver flag before any site script runs
	if err := bctx.AddInitScript(playwright.Script{
		Content: playwright.String(`Object.defineProperty(navigator, 'webdriver', {get: () => undefined})`),
	}); err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to install init script: %w", err)
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		browser.Close()
		pw.Stop()
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}
	page.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	return &Browser{
		pw:      pw,
		browser: browser,
		context: bctx,
		page:    page,
		opts:    opts,
		logger:  loggerFor(opts),
	}, nil
}

func loggerFor(opts *Options) *slog.Logger {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With("component", "browser")
}

// Open adapts New to fetcher.OpenFunc.
func Open(opts *Options) fetcher.OpenFunc {
	return func(ctx context.Context) (fetcher.Fetcher, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := New(opts)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
}

// Fetch navigates the session tab to url and returns the rendered HTML.
func (b *Browser) Fetch(ctx context.Context, url string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", &fetcher.FetchError{URL: url, Err: err}
	}

	if err := b.NavigateWithRetry(b.page, url, b.opts.MaxRetries); err != nil {
		return "", err
	}

	if b.opts.WaitSelector != "" {
		err := b.page.Locator(b.opts.WaitSelector).First().WaitFor(playwright.LocatorWaitForOptions{
			Timeout: playwright.Float(10000),
		})
		if err != nil {
			// an empty last page has no cards; the extractor decides
			b.logger.Debug("card selector did not appear", "url", url, "error", err)
		}
	}

	b.HumanizeInteraction(b.page)

	content, err := b.page.Content()
	if err != nil {
		return "", &fetcher.FetchError{URL: url, Err: fmt.Errorf("failed to read page content: %w", err)}
	}

	return content, nil
}

func (b *Browser) NavigateWithRetry(page playwright.Page, url string, maxRetries int) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			time.Sleep(time.Duration(i+1) * time.Second)
		}

		resp, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		})
		if err != nil {
			lastErr = err
			b.logger.Error("navigation failed", "error", err, "attempt", i+1)
			continue
		}

		status := http.StatusOK
		if resp != nil {
			status = resp.Status()
		}

		if err := b.CheckBotProtection(page, url, status); err != nil {
			// a challenge that survived the grace period will not clear on retry
			return err
		}

		// a cleared 503 interstitial leaves cards behind; a server error does not
		if status >= 500 && b.cardCount(page) == 0 {
			lastErr = fmt.Errorf("unexpected status %d", status)
			continue
		}

		return nil
	}

	return &fetcher.FetchError{URL: url, Err: fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)}
}

// CheckBotProtection inspects navigations answered with a challenge status.
// Successful navigations are left to the extractor. Some interstitials
// resolve themselves, so the page gets one grace period before the fetch is
// reported as blocked.
func (b *Browser) CheckBotProtection(page playwright.Page, url string, status int) error {
	if !fetcher.IsChallengeStatus(status) {
		return nil
	}

	content, err := page.Content()
	if err != nil {
		return &fetcher.FetchError{URL: url, Err: fmt.Errorf("failed to get page content: %w", err)}
	}

	marker, found := fetcher.Challenged(status, content, b.opts.Markers)
	if !found {
		return nil
	}

	b.logger.Info("bot challenge detected, waiting", "url", url, "marker", marker, "grace", b.opts.ChallengeGrace)
	time.Sleep(b.opts.ChallengeGrace)

	content, err = page.Content()
	if err != nil {
		return &fetcher.FetchError{URL: url, Err: fmt.Errorf("failed to get page content: %w", err)}
	}
	if marker, found = stillBlocked(marker, content, b.cardCount(page), b.opts.Markers); found {
		return fetcher.BlockedError(url, marker)
	}

	b.logger.Info("bot challenge cleared", "url", url)
	return nil
}

// stillBlocked decides a challenge after the grace period. Catalog cards on
// the page mean it cleared, whatever text the page carries. Without cards
// the page is blocked, by a marker if one is present or by the first match.
func stillBlocked(first, content string, cards int, markers []string) (string, bool) {
	if cards > 0 {
		return "", false
	}
	if marker, found := fetcher.DetectChallenge(content, markers); found {
		return marker, true
	}
	return first, true
}

func (b *Browser) cardCount(page playwright.Page) int {
	if b.opts.WaitSelector == "" {
		return 0
	}
	n, err := page.Locator(b.opts.WaitSelector).Count()
	if err != nil {
		b.logger.Debug("failed to count cards", "error", err)
		return 0
	}
	return n
}

// HumanizeInteraction moves the mouse and scrolls so lazy images load.
func (b *Browser) HumanizeInteraction(page playwright.Page) {
	for i := 0; i < 3; i++ {
		x := float64(100 + i*200)
		y := float64(100 + i*150)
		page.Mouse().Move(x, y)
		time.Sleep(time.Millisecond * time.Duration(200+i*100))
	}

	page.Evaluate(`window.scrollTo(0, document.body.scrollHeight)`)
	time.Sleep(time.Second)
}

// Close releases the tab, context, browser and driver. Only the first call
// does any work; later calls return the first result.
func (b *Browser) Close() error {
	b.closeOnce.Do(func() {
		var errs []error

		if b.page != nil {
			if err := b.page.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close page: %w", err))
			}
		}

		if b.context != nil {
			if err := b.context.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close context: %w", err))
			}
		}

		if b.browser != nil {
			if err := b.browser.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
			}
		}

		if b.pw != nil {
			if err := b.pw.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
			}
		}

		b.closeErr = errors.Join(errs...)
	})

	return b.closeErr
}
