package odata

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// CacheDirectives represents parsed Cache-Control directives.
type CacheDirectives struct {
	NoStore        bool
	NoCache        bool
	MaxAge         *time.Duration
	SMaxAge        *time.Duration
	MustRevalidate bool
	Public         bool
	Private        bool
}

// parseCacheControl parses Cache-Control header into structured directives.
func parseCacheControl(header string) *CacheDirectives {
	directives := &CacheDirectives{}
	if header == "" {
		return directives
	}

	for _, part := range strings.Split(header, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}

		if key, value, ok := strings.Cut(part, "="); ok {
			key = strings.TrimSpace(key)
			value = strings.Trim(strings.TrimSpace(value), "\"")
			seconds, err := strconv.Atoi(value)
			if err != nil || seconds < 0 {
				continue
			}
			d := time.Duration(seconds) * time.Second

			switch key {
			case "max-age":
				directives.MaxAge = &d
			case "s-maxage":
				directives.SMaxAge = &d
			}
			continue
		}

		switch part {
		case "no-store":
			directives.NoStore = true
		case "no-cache":
			directives.NoCache = true
		case "must-revalidate":
			directives.MustRevalidate = true
		case "public":
			directives.Public = true
		case "private":
			directives.Private = true
		}
	}

	return directives
}

// parseHTTPTime parses an HTTP date header (RFC 1123, RFC 850 or ANSI C).
func parseHTTPTime(header string) *time.Time {
	if header == "" {
		return nil
	}
	t, err := http.ParseTime(header)
	if err != nil {
		return nil
	}
	return &t
}

// calculateCacheExpiry determines when a response expires based on HTTP
// headers. found is false when the headers say nothing about freshness;
// cacheable is false when they forbid storing the response.
func calculateCacheExpiry(header http.Header, receivedAt time.Time) (expiry time.Time, found, cacheable bool) {
	cacheControl := parseCacheControl(header.Get("Cache-Control"))

	if cacheControl.NoStore || cacheControl.NoCache || cacheControl.Private {
		return time.Time{}, true, false
	}

	// s-maxage wins over max-age, which wins over Expires
	if cacheControl.SMaxAge != nil {
		return receivedAt.Add(*cacheControl.SMaxAge), true, *cacheControl.SMaxAge > 0
	}
	if cacheControl.MaxAge != nil {
		return receivedAt.Add(*cacheControl.MaxAge), true, *cacheControl.MaxAge > 0
	}

	if expires := header.Get("Expires"); expires != "" {
		expiresTime := parseHTTPTime(expires)
		if expiresTime == nil || !expiresTime.After(receivedAt) {
			return time.Time{}, true, false
		}
		return *expiresTime, true, true
	}

	return time.Time{}, false, true
}

// createHTTPCacheEntry builds a cache entry honoring the response's caching
// headers. fallbackTTL applies when the headers carry no freshness
// information.
func createHTTPCacheEntry(raw *RawResponse, fallbackTTL time.Duration) (*CacheEntry, time.Duration, bool) {
	receivedAt := time.Now()
	expiry, found, cacheable := calculateCacheExpiry(raw.Header, receivedAt)
	if !cacheable {
		return nil, 0, false
	}

	entry := newCacheEntry(raw)

	ttl := fallbackTTL
	if found {
		ttl = expiry.Sub(receivedAt)
	}
	if ttl <= 0 {
		return nil, 0, false
	}
	return entry, ttl, true
}
