package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sitespeak/kb-engine/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFetcher(server *httptest.Server) *ConditionalFetcher {
	opts := DefaultFetcherOptions()
	opts.HostInterval = 0
	opts.RetryInterval = time.Millisecond
	return NewConditionalFetcher(server.Client(), opts)
}

func allowAllRobots(mux *http.ServeMux) {
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nAllow: /\n")
	})
}

func TestFetch_FreshPageCarriesValidatorsAndHash(t *testing.T) {
	mux := http.NewServeMux()
	allowAllRobots(mux)
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Mar 2026 10:00:00 GMT")
		fmt.Fprint(w, "<html><body>hello</body></html>")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	res, err := testFetcher(server).Fetch(context.Background(), server.URL+"/page", Validators{})
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.NotEmpty(t, res.LastModified)
	assert.Len(t, res.ContentHash, 64)
	assert.Contains(t, string(res.Body), "hello")
}

func TestFetch_NotModifiedKeepsStoredValidators(t *testing.T) {
	mux := http.NewServeMux()
	allowAllRobots(mux)
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		fmt.Fprint(w, "body")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	res, err := testFetcher(server).Fetch(context.Background(), server.URL+"/page", Validators{ETag: `"v1"`})
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Equal(t, `"v1"`, res.ETag)
	assert.Empty(t, res.Body)
}

func TestFetch_RobotsDisallowed(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
	})
	var pageHits int32
	mux.HandleFunc("/private/doc", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&pageHits, 1)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := testFetcher(server).Fetch(context.Background(), server.URL+"/private/doc", Validators{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrFetchForbidden)
	// The disallowed URL was never requested.
	assert.Equal(t, int32(0), atomic.LoadInt32(&pageHits))
}

func TestFetch_RobotsServerErrorMeansDisallow(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "body")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	allowed, err := testFetcher(server).Fetch(context.Background(), server.URL+"/page", Validators{})
	assert.Nil(t, allowed)
	assert.Error(t, err)
}

func TestFetch_RetriesTransientServerErrors(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	allowAllRobots(mux)
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, "recovered")
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	res, err := testFetcher(server).Fetch(context.Background(), server.URL+"/flaky", Validators{})
	require.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&attempts))
	assert.Contains(t, string(res.Body), "recovered")
}

func TestFetch_PermanentClientErrorIsNotRetried(t *testing.T) {
	var attempts int32
	mux := http.NewServeMux()
	allowAllRobots(mux)
	mux.HandleFunc("/gone", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusGone)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := testFetcher(server).Fetch(context.Background(), server.URL+"/gone", Validators{})
	require.Error(t, err)
	assert.ErrorIs(t, err, models.ErrFetchFailed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts))
}

func TestFetch_ForbiddenStatus(t *testing.T) {
	mux := http.NewServeMux()
	allowAllRobots(mux)
	mux.HandleFunc("/locked", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	_, err := testFetcher(server).Fetch(context.Background(), server.URL+"/locked", Validators{})
	assert.ErrorIs(t, err, models.ErrFetchForbidden)
}

func TestRetryAfterParsing(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	at, ok := retryAfter("30", now)
	require.True(t, ok)
	assert.Equal(t, now.Add(30*time.Second), at)

	at, ok = retryAfter("Mon, 01 Jun 2026 12:05:00 GMT", now)
	require.True(t, ok)
	assert.Equal(t, 5*time.Minute, at.Sub(now))

	_, ok = retryAfter("", now)
	assert.False(t, ok)
	_, ok = retryAfter("soon", now)
	assert.False(t, ok)
}

func TestHostGateSpacing(t *testing.T) {
	opts := DefaultFetcherOptions()
	opts.HostInterval = 20 * time.Millisecond
	f := NewConditionalFetcher(nil, opts)

	start := time.Now()
	require.NoError(t, f.waitHost(context.Background(), "example.com"))
	require.NoError(t, f.waitHost(context.Background(), "example.com"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// A different host is not throttled by the first.
	other := time.Now()
	require.NoError(t, f.waitHost(context.Background(), "other.example"))
	assert.Less(t, time.Since(other), 20*time.Millisecond)
}
