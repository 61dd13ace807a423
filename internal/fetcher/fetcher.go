package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"kleinsniper/internal/offer"
)

// ErrPriceUnavailable marks listings without a numeric asking price (VB only, giveaways).
var ErrPriceUnavailable = errors.New("price unavailable")

// ErrPageLimit marks a walk cut off by the page limit while more pages were listed.
var ErrPageLimit = errors.New("page limit reached")

// Page is a fetched result page.
type Page struct {
	URL    string
	Status int
	Body   []byte
}

// PageFetcher retrieves a single result page.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (Page, error)
}

// ListingSource collects every candidate listed for a model.
type ListingSource interface {
	Collect(ctx context.Context, model offer.Model) Result
}

// Result is the outcome of walking the result pages of a model.
type Result struct {
	Candidates []offer.Candidate
	// Complete is false when a page could not be fetched and later pages were skipped.
	Complete    bool
	Pages       int
	ParseErrors int
	Err         error
}

// FetchError reports a page that could not be retrieved.
type FetchError struct {
	URL      string
	Status   int
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("fetch %s: status %d after %d attempt(s): %v", e.URL, e.Status, e.Attempts, e.Err)
	}
	return fmt.Sprintf("fetch %s after %d attempt(s): %v", e.URL, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Temporary reports whether another attempt might succeed.
func (e *FetchError) Temporary() bool {
	return e.Status == 0 || e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// ParseError reports a listing that could not be turned into a candidate.
type ParseError struct {
	Index int
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("listing %d: %s: %v", e.Index, e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// RetryPolicy bounds page-level retries with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.InitialBackoff <= 0 || attempt < 1 {
		return 0
	}
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}
