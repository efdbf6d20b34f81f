package crawler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sitespeak/kb-engine/models"
	"github.com/temoto/robotstxt"
)

// Validators carries the revalidation state stored from a previous fetch.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult is the outcome of one conditional GET.
type FetchResult struct {
	URL          string
	StatusCode   int
	NotModified  bool
	Body         []byte
	ContentType  string
	ETag         string
	LastModified string
	ContentHash  string
	FetchedAt    time.Time
}

// FetcherOptions tunes politeness and retry behavior.
type FetcherOptions struct {
	UserAgent     string
	HostInterval  time.Duration // minimum delay between requests to one host
	MaxRetries    uint64
	MaxBodyBytes  int64
	RobotsTTL     time.Duration
	IgnoreRobots  bool
	RetryInterval time.Duration // initial backoff interval
}

// DefaultFetcherOptions matches a polite single-site crawler.
func DefaultFetcherOptions() FetcherOptions {
	return FetcherOptions{
		UserAgent:     "SiteSpeakBot/1.0 (+https://sitespeak.example/bot)",
		HostInterval:  500 * time.Millisecond,
		MaxRetries:    3,
		MaxBodyBytes:  10 << 20,
		RobotsTTL:     time.Hour,
		RetryInterval: 500 * time.Millisecond,
	}
}

type robotsEntry struct {
	data      *robotstxt.RobotsData
	fetchedAt time.Time
}

type hostGate struct {
	mu   sync.Mutex
	next time.Time
}

// ConditionalFetcher performs robots-aware conditional GETs with per-host
// rate limiting and bounded retries for transient failures.
type ConditionalFetcher struct {
	client *http.Client
	opts   FetcherOptions

	mu     sync.Mutex
	robots map[string]robotsEntry
	gates  map[string]*hostGate
}

func NewConditionalFetcher(client *http.Client, opts FetcherOptions) *ConditionalFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.UserAgent == "" {
		opts.UserAgent = DefaultFetcherOptions().UserAgent
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = DefaultFetcherOptions().MaxBodyBytes
	}
	if opts.RobotsTTL <= 0 {
		opts.RobotsTTL = time.Hour
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 500 * time.Millisecond
	}
	return &ConditionalFetcher{
		client: client,
		opts:   opts,
		robots: make(map[string]robotsEntry),
		gates:  make(map[string]*hostGate),
	}
}

// Fetch retrieves rawURL, sending If-None-Match / If-Modified-Since when
// validators are present. A 304 response yields NotModified with no body.
// Disallowed paths return models.ErrFetchForbidden without a request.
func (f *ConditionalFetcher) Fetch(ctx context.Context, rawURL string, v Validators) (*FetchResult, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL %q", models.ErrFetchFailed, rawURL)
	}

	if !f.opts.IgnoreRobots {
		allowed, err := f.allowed(ctx, parsed)
		if err != nil {
			return nil, err
		}
		if !allowed {
			return nil, fmt.Errorf("%w: %s disallowed by robots.txt", models.ErrFetchForbidden, rawURL)
		}
	}

	var result *FetchResult
	policy := backoff.WithContext(backoff.WithMaxRetries(f.retryPolicy(), f.opts.MaxRetries), ctx)
	err = backoff.Retry(func() error {
		res, err := f.fetchOnce(ctx, parsed, v)
		if err != nil {
			return err
		}
		result = res
		return nil
	}, policy)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (f *ConditionalFetcher) retryPolicy() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.RetryInterval
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

func (f *ConditionalFetcher) fetchOnce(ctx context.Context, u *url.URL, v Validators) (*FetchResult, error) {
	if err := f.waitHost(ctx, u.Host); err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("%w: %v", models.ErrFetchFailed, err))
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	if v.ETag != "" {
		req.Header.Set("If-None-Match", v.ETag)
	}
	if v.LastModified != "" {
		req.Header.Set("If-Modified-Since", v.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %v", models.ErrTransientIO, u, err)
	}
	defer resp.Body.Close()

	now := time.Now()
	switch {
	case resp.StatusCode == http.StatusNotModified:
		io.Copy(io.Discard, resp.Body)
		return &FetchResult{
			URL:          u.String(),
			StatusCode:   resp.StatusCode,
			NotModified:  true,
			ETag:         firstNonEmpty(resp.Header.Get("ETag"), v.ETag),
			LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), v.LastModified),
			FetchedAt:    now,
		}, nil

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes))
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", models.ErrTransientIO, u, err)
		}
		sum := sha256.Sum256(body)
		return &FetchResult{
			URL:          u.String(),
			StatusCode:   resp.StatusCode,
			Body:         body,
			ContentType:  resp.Header.Get("Content-Type"),
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			ContentHash:  hex.EncodeToString(sum[:]),
			FetchedAt:    now,
		}, nil

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		if wait, ok := retryAfter(resp.Header.Get("Retry-After"), now); ok {
			f.pushHost(u.Host, wait)
		}
		return nil, fmt.Errorf("%w: %s returned status %d", models.ErrTransientIO, u, resp.StatusCode)

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnauthorized:
		io.Copy(io.Discard, resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("%w: %s returned status %d", models.ErrFetchForbidden, u, resp.StatusCode))

	default:
		io.Copy(io.Discard, resp.Body)
		return nil, backoff.Permanent(fmt.Errorf("%w: %s returned status %d", models.ErrFetchFailed, u, resp.StatusCode))
	}
}

// allowed consults the cached robots.txt for the URL's host. An unreachable
// or 5xx robots.txt is treated as full disallow per RFC 9309; 4xx as allow.
func (f *ConditionalFetcher) allowed(ctx context.Context, u *url.URL) (bool, error) {
	f.mu.Lock()
	entry, ok := f.robots[u.Host]
	f.mu.Unlock()

	if !ok || time.Since(entry.fetchedAt) > f.opts.RobotsTTL {
		data, err := f.fetchRobots(ctx, u)
		if err != nil {
			return false, err
		}
		entry = robotsEntry{data: data, fetchedAt: time.Now()}
		f.mu.Lock()
		f.robots[u.Host] = entry
		f.mu.Unlock()
	}

	if entry.data == nil {
		return true, nil
	}
	group := entry.data.FindGroup(f.opts.UserAgent)
	return group.Test(u.RequestURI()), nil
}

func (f *ConditionalFetcher) fetchRobots(ctx context.Context, u *url.URL) (*robotstxt.RobotsData, error) {
	robotsURL := u.Scheme + "://" + u.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrFetchFailed, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: robots.txt for %s unreachable: %v", models.ErrFetchForbidden, u.Host, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: robots.txt for %s: %v", models.ErrTransientIO, u.Host, err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("%w: robots.txt for %s: %v", models.ErrFetchForbidden, u.Host, err)
	}
	return data, nil
}

// waitHost enforces the per-host minimum request interval.
func (f *ConditionalFetcher) waitHost(ctx context.Context, host string) error {
	if f.opts.HostInterval <= 0 {
		return nil
	}
	gate := f.gate(host)

	gate.mu.Lock()
	now := time.Now()
	wait := gate.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	gate.next = now.Add(wait + f.opts.HostInterval)
	gate.mu.Unlock()

	if wait == 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// pushHost delays the next request to host, used for Retry-After.
func (f *ConditionalFetcher) pushHost(host string, until time.Time) {
	gate := f.gate(host)
	gate.mu.Lock()
	if until.After(gate.next) {
		gate.next = until
	}
	gate.mu.Unlock()
}

func (f *ConditionalFetcher) gate(host string) *hostGate {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.gates[host]
	if !ok {
		g = &hostGate{}
		f.gates[host] = g
	}
	return g
}

// retryAfter parses both delta-seconds and HTTP-date forms.
func retryAfter(header string, now time.Time) (time.Time, bool) {
	if header == "" {
		return time.Time{}, false
	}
	if secs, err := strconv.Atoi(header); err == nil && secs >= 0 {
		return now.Add(time.Duration(secs) * time.Second), true
	}
	if t, err := http.ParseTime(header); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
