package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrBlocked marks a page that served an anti-bot challenge instead of the
// catalog. It must never be read as an empty page.
var ErrBlocked = errors.New("blocked by bot challenge")

// Fetcher returns the rendered content of a page. A Fetcher holds one
// exclusive session; Close releases it and is safe to call more than once.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
	Close() error
}

// OpenFunc acquires a new fetch session.
type OpenFunc func(ctx context.Context) (Fetcher, error)

// FetchError is a transport level failure for a single page request.
type FetchError struct {
	URL    string
	Status int
	Err    error
}

func (e *FetchError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// BlockedError wraps ErrBlocked with the page and the marker that matched.
func BlockedError(url, marker string) error {
	return fmt.Errorf("%w: %s (matched %q)", ErrBlocked, url, marker)
}

// DefaultChallengeMarkers are content fragments served by common bot
// protection interstitials. Fragments that also show up on ordinary pages,
// such as Cloudflare's passive challenge-platform script, are left out.
func DefaultChallengeMarkers() []string {
	return []string{
		"cf-challenge",
		"Just a moment...",
		"Checking your browser before accessing",
		"Attention Required! | Cloudflare",
		"px-captcha",
		"captcha-delivery.com",
		"Please verify you are a human",
	}
}

// IsChallengeStatus reports whether status is one bot protection answers
// with instead of the page.
func IsChallengeStatus(status int) bool {
	switch status {
	case http.StatusForbidden, http.StatusTooManyRequests, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// Challenged classifies a response by status first. A successful response
// is never a challenge here; its content goes to the extractor, which only
// considers markers when a page yields no records. 403 and 429 are blocked
// outright, 503 only when the body carries a marker. The returned string
// names what matched.
func Challenged(status int, content string, markers []string) (string, bool) {
	if !IsChallengeStatus(status) {
		return "", false
	}
	if marker, found := DetectChallenge(content, markers); found {
		return marker, true
	}
	if status == http.StatusServiceUnavailable {
		return "", false
	}
	return fmt.Sprintf("status %d", status), true
}

// DetectChallenge reports the first marker found in content, ignoring case.
func DetectChallenge(content string, markers []string) (string, bool) {
	lower := strings.ToLower(content)
	for _, m := range markers {
		if m == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(m)) {
			return m, true
		}
	}
	return "", false
}

// WithSession opens a session, hands it to fn and closes it exactly once on
// every exit path, panics included. A close failure is joined to fn's error.
func WithSession(ctx context.Context, open OpenFunc, fn func(Fetcher) error) (err error) {
	f, err := open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open fetch session: %w", err)
	}

	defer func() {
		if cerr := f.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("failed to release fetch session: %w", cerr))
		}
	}()

	return fn(f)
}
