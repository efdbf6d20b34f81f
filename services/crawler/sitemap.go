// Package crawler implements delta-first site synchronization: sitemap
// discovery, polite conditional fetching and the crawl session pipeline.
package crawler

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sitespeak/kb-engine/models"
	"github.com/temoto/robotstxt"
)

// maxSitemapDepth bounds sitemap-index recursion.
const maxSitemapDepth = 5

type sitemapIndex struct {
	XMLName  xml.Name     `xml:"sitemapindex"`
	Sitemaps []sitemapRef `xml:"sitemap"`
}

type sitemapRef struct {
	Loc     string `xml:"loc"`
	Lastmod string `xml:"lastmod"`
}

type urlSet struct {
	XMLName xml.Name     `xml:"urlset"`
	URLs    []sitemapURL `xml:"url"`
}

type sitemapURL struct {
	Loc        string `xml:"loc"`
	Lastmod    string `xml:"lastmod"`
	Changefreq string `xml:"changefreq"`
	Priority   string `xml:"priority"`
}

type cachedSitemap struct {
	entries   []models.SitemapEntry
	fetchedAt time.Time
}

// SitemapReader locates and parses a site's sitemaps. Parsed results are
// cached per base URL with a configurable TTL.
type SitemapReader struct {
	client    *http.Client
	userAgent string
	cacheTTL  time.Duration

	mu    sync.Mutex
	cache map[string]cachedSitemap
}

// NewSitemapReader creates a reader with the given HTTP client and cache TTL.
func NewSitemapReader(client *http.Client, userAgent string, cacheTTL time.Duration) *SitemapReader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SitemapReader{
		client:    client,
		userAgent: userAgent,
		cacheTTL:  cacheTTL,
		cache:     make(map[string]cachedSitemap),
	}
}

// Discover returns every URL reported by the site's sitemaps: the root
// /sitemap.xml plus any sitemaps declared in robots.txt, with
// sitemap-index recursion.
func (r *SitemapReader) Discover(ctx context.Context, baseURL string) ([]models.SitemapEntry, error) {
	r.mu.Lock()
	if cached, ok := r.cache[baseURL]; ok && time.Since(cached.fetchedAt) < r.cacheTTL {
		entries := cached.entries
		r.mu.Unlock()
		return entries, nil
	}
	r.mu.Unlock()

	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL %q: %w", baseURL, err)
	}

	candidates := r.declaredSitemaps(ctx, base)
	candidates = append(candidates, base.Scheme+"://"+base.Host+"/sitemap.xml")

	seen := make(map[string]bool)
	var entries []models.SitemapEntry
	var firstErr error
	for _, sitemapURL := range candidates {
		if seen[sitemapURL] {
			continue
		}
		seen[sitemapURL] = true
		found, err := r.parseSitemap(ctx, sitemapURL, 0, seen)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		entries = append(entries, found...)
	}

	if len(entries) == 0 && firstErr != nil {
		return nil, firstErr
	}

	entries = dedupeEntries(entries)

	r.mu.Lock()
	r.cache[baseURL] = cachedSitemap{entries: entries, fetchedAt: time.Now()}
	r.mu.Unlock()

	return entries, nil
}

// FindChangedURLs returns the subset whose lastmod is after lastCrawl.
// Entries without lastmod are always included: absence of the hint means
// the URL must be checked by conditional fetch.
func (r *SitemapReader) FindChangedURLs(ctx context.Context, baseURL string, lastCrawl time.Time) ([]models.SitemapEntry, error) {
	entries, err := r.Discover(ctx, baseURL)
	if err != nil {
		return nil, err
	}
	var changed []models.SitemapEntry
	for _, e := range entries {
		if e.Lastmod == nil || e.Lastmod.After(lastCrawl) {
			changed = append(changed, e)
		}
	}
	return changed, nil
}

// declaredSitemaps reads robots.txt Sitemap: directives.
func (r *SitemapReader) declaredSitemaps(ctx context.Context, base *url.URL) []string {
	robotsURL := base.Scheme + "://" + base.Host + "/robots.txt"
	body, status, err := r.get(ctx, robotsURL)
	if err != nil || status != http.StatusOK {
		return nil
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil
	}
	return data.Sitemaps
}

func (r *SitemapReader) parseSitemap(ctx context.Context, sitemapURL string, depth int, seen map[string]bool) ([]models.SitemapEntry, error) {
	if depth > maxSitemapDepth {
		return nil, fmt.Errorf("sitemap index nesting exceeds %d at %s", maxSitemapDepth, sitemapURL)
	}

	body, status, err := r.get(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("sitemap %s returned status %d", sitemapURL, status)
	}

	// A sitemap file is either an index of further sitemaps or a urlset.
	var index sitemapIndex
	if err := xml.Unmarshal(body, &index); err == nil && len(index.Sitemaps) > 0 {
		var entries []models.SitemapEntry
		for _, ref := range index.Sitemaps {
			loc := strings.TrimSpace(ref.Loc)
			if loc == "" || seen[loc] {
				continue
			}
			seen[loc] = true
			nested, err := r.parseSitemap(ctx, loc, depth+1, seen)
			if err != nil {
				continue // one broken child sitemap never sinks discovery
			}
			entries = append(entries, nested...)
		}
		return entries, nil
	}

	var set urlSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, fmt.Errorf("parse sitemap %s: %w", sitemapURL, err)
	}

	entries := make([]models.SitemapEntry, 0, len(set.URLs))
	for _, u := range set.URLs {
		loc := strings.TrimSpace(u.Loc)
		if loc == "" {
			continue
		}
		entry := models.SitemapEntry{URL: loc, Changefreq: u.Changefreq}
		if t, ok := parseLastmod(u.Lastmod); ok {
			entry.Lastmod = &t
		}
		if p, err := strconv.ParseFloat(u.Priority, 64); err == nil {
			entry.Priority = p
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (r *SitemapReader) get(ctx context.Context, rawURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("User-Agent", r.userAgent)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: fetch %s: %v", models.ErrTransientIO, rawURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 50<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("%w: read %s: %v", models.ErrTransientIO, rawURL, err)
	}
	return body, resp.StatusCode, nil
}

// parseLastmod accepts the W3C datetime profile forms sitemaps use.
func parseLastmod(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05Z07:00", "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func dedupeEntries(entries []models.SitemapEntry) []models.SitemapEntry {
	seen := make(map[string]int)
	var out []models.SitemapEntry
	for _, e := range entries {
		if idx, ok := seen[e.URL]; ok {
			// Keep the newest lastmod for duplicated URLs.
			if e.Lastmod != nil && (out[idx].Lastmod == nil || e.Lastmod.After(*out[idx].Lastmod)) {
				out[idx] = e
			}
			continue
		}
		seen[e.URL] = len(out)
		out = append(out, e)
	}
	return out
}
