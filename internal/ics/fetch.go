package ics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	appLog "epdagenda/internal/log"
)

// maxBodySize bounds one ICS payload.
const maxBodySize = 10 << 20

// Source represents a single ICS subscription source.
type Source struct {
	// ID is an internal identifier (e.g., config ICS ID).
	ID string
	// URL is the ICS endpoint.
	URL string
}

// FetchResult contains the outcome of fetching a single ICS source.
type FetchResult struct {
	Source    Source
	Body      []byte // ICS payload (either freshly fetched or from cache)
	FromCache bool   // true if we reused the cached body
}

// cacheEntry holds the validators and last good body for one URL.
type cacheEntry struct {
	ETag         string
	LastModified string
	Body         []byte
	UpdatedAt    time.Time
}

// Fetcher fetches ICS feeds with HTTP caching (ETag / Last-Modified). The
// cache lives in memory only and is lost on restart.
type Fetcher struct {
	client *http.Client

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewFetcher creates a new ICS Fetcher. A nil client gets a 15s timeout.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &Fetcher{
		client: client,
		cache:  make(map[string]cacheEntry),
	}
}

// FetchAll fetches all given sources and returns individual results.
// Errors for individual sources are logged and returned in the error slice.
//
// The returned slice of results will only contain entries for sources that
// successfully produced a body (either from network or cache).
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source) ([]FetchResult, []error) {
	results := make([]FetchResult, 0, len(sources))
	var errs []error

	for _, src := range sources {
		res, err := f.FetchOne(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("ics: %s: %w", src.ID, err))
			appLog.Error("ics fetch failed", err, "id", src.ID, "url", redactURL(src.URL))
			continue
		}
		results = append(results, res)
	}

	return results, errs
}

// FetchOne fetches a single ICS source, honoring ETag and Last-Modified.
// On network errors and non-OK statuses the last good body is reused.
func (f *Fetcher) FetchOne(ctx context.Context, src Source) (FetchResult, error) {
	if src.URL == "" {
		return FetchResult{}, errors.New("source URL is empty")
	}

	f.mu.Lock()
	cached, haveCache := f.cache[src.URL]
	f.mu.Unlock()

	fromCache := func(reason string) (FetchResult, error) {
		appLog.Info("ics using cached body", "id", src.ID, "url", redactURL(src.URL), "reason", reason)
		return FetchResult{Source: src, Body: cached.Body, FromCache: true}, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return FetchResult{}, err
	}
	if haveCache {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	appLog.Debug("ics fetch start", "id", src.ID, "url", redactURL(src.URL))

	resp, err := f.client.Do(req)
	if err != nil {
		if haveCache {
			appLog.Error("ics fetch network error", err, "id", src.ID, "url", redactURL(src.URL))
			return fromCache("network error")
		}
		return FetchResult{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return FetchResult{}, err
		}

		f.mu.Lock()
		f.cache[src.URL] = cacheEntry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			Body:         body,
			UpdatedAt:    time.Now().UTC(),
		}
		f.mu.Unlock()

		appLog.Info("ics fetch success", "id", src.ID, "url", redactURL(src.URL), "bytes", len(body))
		return FetchResult{Source: src, Body: body}, nil

	case http.StatusNotModified:
		if !haveCache {
			return FetchResult{}, errors.New("received 304 Not Modified but no cached body available")
		}
		return fromCache("not modified")

	default:
		if haveCache {
			appLog.Error("ics fetch non-OK", errors.New(resp.Status), "id", src.ID, "url", redactURL(src.URL), "status", resp.StatusCode)
			return fromCache(resp.Status)
		}
		return FetchResult{}, errors.New(resp.Status)
	}
}

// redactURL hides sensitive parts of an ICS URL for logging purposes:
// only scheme and host are kept.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	parsed, err := url.Parse(u)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "ics://...(redacted)"
	}
	return parsed.Scheme + "://" + parsed.Host + redactedSuffix
}
