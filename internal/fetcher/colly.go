package fetcher

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog"
)

// CollyOptions parameterise the page fetcher.
type CollyOptions struct {
	UserAgent string
	Timeout   time.Duration
	Retry     RetryPolicy
}

// CollyFetcher downloads result pages through a colly collector with bounded retries.
type CollyFetcher struct {
	base   *colly.Collector
	retry  RetryPolicy
	logger zerolog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewCollyFetcher constructs a page fetcher.
func NewCollyFetcher(opts CollyOptions, logger zerolog.Logger) *CollyFetcher {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	options := []colly.CollectorOption{colly.AllowURLRevisit()}
	if opts.UserAgent != "" {
		options = append(options, colly.UserAgent(opts.UserAgent))
	}
	base := colly.NewCollector(options...)
	base.SetRequestTimeout(timeout)

	return &CollyFetcher{
		base:   base,
		retry:  opts.Retry,
		logger: logger.With().Str("component", "page_fetcher").Logger(),
		sleep:  sleepContext,
	}
}

// Fetch retrieves url, retrying transient failures according to the retry policy.
func (f *CollyFetcher) Fetch(ctx context.Context, url string) (Page, error) {
	maxAttempts := f.retry.attempts()
	var lastErr *FetchError
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		page, retryAfter, err := f.fetchOnce(ctx, url)
		if err == nil {
			return page, nil
		}
		err.Attempts = attempt
		lastErr = err

		if !err.Temporary() || attempt == maxAttempts || ctx.Err() != nil {
			break
		}

		wait := f.retry.Backoff(attempt)
		if retryAfter > wait {
			wait = retryAfter
			if f.retry.MaxBackoff > 0 && wait > f.retry.MaxBackoff {
				wait = f.retry.MaxBackoff
			}
		}
		f.logger.Warn().
			Err(err.Err).
			Str("url", url).
			Int("status", err.Status).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("page fetch failed, retrying")

		if sleepErr := f.sleep(ctx, wait); sleepErr != nil {
			lastErr.Err = sleepErr
			break
		}
	}
	return Page{}, lastErr
}

func (f *CollyFetcher) fetchOnce(ctx context.Context, url string) (Page, time.Duration, *FetchError) {
	if err := ctx.Err(); err != nil {
		return Page{}, 0, &FetchError{URL: url, Err: err}
	}

	c := f.base.Clone()

	var (
		page       Page
		status     int
		retryAfter time.Duration
	)
	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	c.OnResponse(func(r *colly.Response) {
		page = Page{URL: r.Request.URL.String(), Status: r.StatusCode, Body: r.Body}
	})
	c.OnError(func(r *colly.Response, _ error) {
		if r == nil {
			return
		}
		status = r.StatusCode
		if r.Headers != nil {
			retryAfter = parseRetryAfter(r.Headers.Get("Retry-After"), time.Now())
		}
	})

	if err := c.Visit(url); err != nil {
		return Page{}, retryAfter, &FetchError{URL: url, Status: status, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return Page{}, 0, &FetchError{URL: url, Err: err}
	}
	if page.Body == nil && page.Status == 0 {
		return Page{}, 0, &FetchError{URL: url, Err: errors.New("empty response")}
	}
	return page, 0, nil
}

func parseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ PageFetcher = (*CollyFetcher)(nil)
