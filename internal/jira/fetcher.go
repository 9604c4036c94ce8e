// Package jira fetches issues from a Jira-compatible REST API one page at a
// time, applying the politeness delay, retry and rate-limit policy.
package jira

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/TobiSchelling/IssueCrawler/internal/config"
)

var (
	// ErrRetriesExhausted is returned when a request keeps failing with
	// transient errors, or keeps being rate limited, past the allowed budget.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrMalformedResponse is returned when a 2xx body is not the expected shape.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrUnexpectedStatus is returned for non-retryable HTTP statuses.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrResponseTooLarge is returned when a body exceeds the read limit.
	ErrResponseTooLarge = fmt.Errorf("%w: response exceeds size limit", ErrMalformedResponse)
)

const maxBodyBytes = 32 << 20

// Options configures request policy.
type Options struct {
	BaseURL           string
	UserAgent         string
	Fields            []string
	RequestDelay      time.Duration
	RequestTimeout    time.Duration
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	RateLimitCooldown time.Duration
	MaxRateLimitWaits int
}

// OptionsFromConfig maps the tracker and scraping sections onto Options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		BaseURL:           cfg.Tracker.BaseURL,
		UserAgent:         cfg.Tracker.UserAgent,
		Fields:            cfg.Tracker.Fields,
		RequestDelay:      cfg.Scraping.RequestDelay,
		RequestTimeout:    cfg.Scraping.RequestTimeout,
		MaxAttempts:       cfg.Scraping.MaxAttempts,
		BackoffBase:       cfg.Scraping.BackoffBase,
		BackoffMultiplier: cfg.Scraping.BackoffMultiplier,
		MaxBackoff:        cfg.Scraping.MaxBackoff,
		RateLimitCooldown: cfg.Scraping.RateLimitCooldown,
		MaxRateLimitWaits: cfg.Scraping.MaxRateLimitWaits,
	}
}

// Sleeper waits for d or until ctx is done, whichever comes first.
type Sleeper func(ctx context.Context, d time.Duration) error

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

// Stats are cumulative request counters.
type Stats struct {
	Requests      int64 `json:"requests"`
	Failed        int64 `json:"failed"`
	Retries       int64 `json:"retries"`
	RateLimitHits int64 `json:"rate_limit_hits"`
}

// Sub returns the counters accumulated since prev.
func (s Stats) Sub(prev Stats) Stats {
	return Stats{
		Requests:      s.Requests - prev.Requests,
		Failed:        s.Failed - prev.Failed,
		Retries:       s.Retries - prev.Retries,
		RateLimitHits: s.RateLimitHits - prev.RateLimitHits,
	}
}

// Fetcher issues search and project requests. It is safe for concurrent use.
type Fetcher struct {
	client *http.Client
	opts   Options
	logger *slog.Logger
	sleep  Sleeper

	// maxBody caps the bytes read from one response.
	maxBody int64

	requests      atomic.Int64
	failed        atomic.Int64
	retries       atomic.Int64
	rateLimitHits atomic.Int64
}

// NewFetcher creates a fetcher using the shared client.
func NewFetcher(client *http.Client, opts Options, logger *slog.Logger) *Fetcher {
	if client == nil {
		client = NewHTTPClient(0, opts.RequestTimeout)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 1
	}
	if opts.BackoffMultiplier < 1 {
		opts.BackoffMultiplier = 1
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Fetcher{client: client, opts: opts, logger: logger, sleep: sleepContext, maxBody: maxBodyBytes}
}

// SetSleeper replaces the wait function used for delays, backoff and cooldown.
func (f *Fetcher) SetSleeper(s Sleeper) {
	f.sleep = s
}

// Stats returns a snapshot of the request counters.
func (f *Fetcher) Stats() Stats {
	return Stats{
		Requests:      f.requests.Load(),
		Failed:        f.failed.Load(),
		Retries:       f.retries.Load(),
		RateLimitHits: f.rateLimitHits.Load(),
	}
}

// SearchJQL is the query used for a project. Ascending order keeps offsets
// stable while new issues are filed.
func SearchJQL(projectKey string) string {
	return fmt.Sprintf(`project = "%s" ORDER BY created ASC, key ASC`, strings.ReplaceAll(projectKey, `"`, `\"`))
}

// FetchPage requests one page of issues for sourceID starting at offset.
func (f *Fetcher) FetchPage(ctx context.Context, sourceID string, offset, pageSize int) (*Page, error) {
	fields := "*all"
	if len(f.opts.Fields) > 0 {
		fields = strings.Join(f.opts.Fields, ",")
	}
	query := url.Values{}
	query.Set("jql", SearchJQL(sourceID))
	query.Set("startAt", strconv.Itoa(offset))
	query.Set("maxResults", strconv.Itoa(pageSize))
	query.Set("fields", fields)
	query.Set("expand", "renderedFields")

	body, err := f.get(ctx, "/rest/api/2/search", query)
	if err != nil {
		return nil, fmt.Errorf("fetching %s at offset %d: %w", sourceID, offset, err)
	}
	page, err := decodePage(sourceID, offset, body)
	if err != nil {
		return nil, fmt.Errorf("fetching %s at offset %d: %w", sourceID, offset, err)
	}
	f.logger.Debug("fetched page",
		"source", sourceID, "offset", offset, "records", len(page.Records), "total", page.Total)
	return page, nil
}

// ProjectInfo fetches descriptive info for a project.
func (f *Fetcher) ProjectInfo(ctx context.Context, key string) (*Project, error) {
	body, err := f.get(ctx, "/rest/api/2/project/"+url.PathEscape(key), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching project %s: %w", key, err)
	}
	return decodeProject(body)
}

func (f *Fetcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.BackoffBase
	b.Multiplier = f.opts.BackoffMultiplier
	b.MaxInterval = f.opts.MaxBackoff
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// get performs one logical request with the full retry policy.
func (f *Fetcher) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	target := f.opts.BaseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	b := f.newBackOff()
	attempts := 0
	rateLimitWaits := 0
	for {
		if err := f.sleep(ctx, f.opts.RequestDelay); err != nil {
			return nil, err
		}

		attempts++
		status, body, err := f.do(ctx, target)

		var cause error
		switch {
		case errors.Is(err, ErrResponseTooLarge):
			f.failed.Add(1)
			return nil, fmt.Errorf("%s: %w", endpoint, err)
		case err != nil:
			cause = err
		case status == http.StatusTooManyRequests:
			f.rateLimitHits.Add(1)
			rateLimitWaits++
			attempts--
			if rateLimitWaits > f.opts.MaxRateLimitWaits {
				return nil, fmt.Errorf("%w: still rate limited after %d cooldowns", ErrRetriesExhausted, rateLimitWaits-1)
			}
			f.logger.Warn("rate limited, cooling down",
				"endpoint", endpoint, "cooldown", f.opts.RateLimitCooldown, "waits", rateLimitWaits)
			if err := f.sleep(ctx, f.opts.RateLimitCooldown); err != nil {
				return nil, err
			}
			continue
		case status >= 500:
			cause = fmt.Errorf("server error: HTTP %d", status)
		case status >= 200 && status < 300:
			return body, nil
		default:
			f.failed.Add(1)
			return nil, fmt.Errorf("%w: HTTP %d from %s", ErrUnexpectedStatus, status, endpoint)
		}

		f.failed.Add(1)
		if attempts >= f.opts.MaxAttempts {
			return nil, fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempts, cause)
		}
		delay := b.NextBackOff()
		f.retries.Add(1)
		f.logger.Warn("request failed, retrying",
			"endpoint", endpoint, "attempt", attempts, "delay", delay, "error", cause)
		if err := f.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// do sends a single HTTP request. The request is detached from ctx
// cancellation so an interrupt lets it finish; RequestTimeout still bounds it.
func (f *Fetcher) do(ctx context.Context, target string) (int, []byte, error) {
	reqCtx := context.WithoutCancel(ctx)
	if f.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(reqCtx, f.opts.RequestTimeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	f.requests.Add(1)
	resp, err := f.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBody+1))
	if err != nil {
		return 0, nil, fmt.Errorf("reading response body: %w", err)
	}
	if int64(len(body)) > f.maxBody {
		return resp.StatusCode, nil, fmt.Errorf("%w (%d bytes)", ErrResponseTooLarge, f.maxBody)
	}
	return resp.StatusCode, body, nil
}
