package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"sync"
	"time"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
)

var errClosed = errors.New("fetcher is closed")

type HTTPOptions struct {
	UserAgent  string
	Timeout    time.Duration
	MaxRetries int
	Headers    map[string]string
	Markers    []string
}

// HTTPFetcher fetches pages without a browser. The transport mimics a
// browser TLS fingerprint so simple Cloudflare checks pass. Responses with a
// challenge status come back as ErrBlocked; successful pages are returned
// whole and left to the extractor.
type HTTPFetcher struct {
	client  *resty.Client
	markers []string
	logger  *slog.Logger

	mu     sync.Mutex
	closed bool
}

func NewHTTPFetcher(opts HTTPOptions, logger *slog.Logger) (*HTTPFetcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if len(opts.Markers) == 0 {
		opts.Markers = DefaultChallengeMarkers()
	}

	client := resty.New()
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}
	client.SetCookieJar(jar)
	client.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(client.GetClient().Transport)

	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	client.SetHeaders(opts.Headers)
	client.SetTimeout(opts.Timeout)

	// retries stay inside one page request; the paginator never retries
	client.SetRetryCount(opts.MaxRetries)
	client.SetRetryWaitTime(time.Second)
	client.AddRetryCondition(func(r *resty.Response, err error) bool {
		if err != nil || r.StatusCode() < http.StatusInternalServerError {
			return false
		}
		_, challenged := Challenged(r.StatusCode(), r.String(), opts.Markers)
		return !challenged
	})

	return &HTTPFetcher{
		client:  client,
		markers: opts.Markers,
		logger:  logger.With("component", "http_fetcher"),
	}, nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return "", &FetchError{URL: url, Err: errClosed}
	}

	f.logger.Debug("fetching page", "url", url)

	resp, err := f.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", &FetchError{URL: url, Err: err}
	}

	body := resp.String()
	if marker, ok := Challenged(resp.StatusCode(), body, f.markers); ok {
		return "", BlockedError(url, marker)
	}

	if resp.IsError() {
		return "", &FetchError{
			URL:    url,
			Status: resp.StatusCode(),
			Err:    fmt.Errorf("unexpected response %s", resp.Status()),
		}
	}

	return body, nil
}

func (f *HTTPFetcher) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return nil
	}
	f.closed = true
	f.client.GetClient().CloseIdleConnections()
	return nil
}
