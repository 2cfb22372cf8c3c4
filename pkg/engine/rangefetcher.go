// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// rangeFetchAttempts is the retry budget for RangeFetcher.Fetch (§4.3).
const rangeFetchAttempts = 20

// RangeFetcher performs one ranged HTTP GET and writes the response body to
// a destination file, retrying on failure with a backoff schedule that
// distinguishes transport errors from non-2xx responses. Unlike
// PresignClient's uniform linear backoff, the two error classes here need
// different slopes (§4.3), so the retry loop is hand-written rather than
// built on retry-go: retry-go's DelayType callback (in the v3 line this
// module depends on) has no visibility into which error triggered the
// retry, and therefore cannot express two different backoff curves for one
// retryable function.
type RangeFetcher struct {
	httpClient *http.Client
	log        zerolog.Logger

	// backoffScale multiplies backoffForError's result. 1.0 in production;
	// tests shrink it so a budget-exhaustion case stays fast.
	backoffScale float64
}

// NewRangeFetcher builds a RangeFetcher using httpClient for every GET.
func NewRangeFetcher(httpClient *http.Client, log zerolog.Logger) *RangeFetcher {
	return &RangeFetcher{
		httpClient:   httpClient,
		log:          log.With().Str("component", "rangefetcher").Logger(),
		backoffScale: 1.0,
	}
}

// withTestBackoffScale shrinks the retry backoff for tests exercising the
// full rangeFetchAttempts budget.
func (f *RangeFetcher) withTestBackoffScale(scale float64) *RangeFetcher {
	f.backoffScale = scale
	return f
}

// Fetch issues GET url with header Range: rangeHeader, and on a successful
// 2xx response writes the entire body to destPath in one call, creating
// destPath's parent directory if it doesn't exist. It returns the number of
// bytes written.
func (f *RangeFetcher) Fetch(ctx context.Context, url, rangeHeader, destPath string) (int64, error) {
	var lastErr error

	for attempt := 1; attempt <= rangeFetchAttempts; attempt++ {
		n, retryable, err := f.fetchOnce(ctx, url, rangeHeader, destPath)
		if err == nil {
			return n, nil
		}
		lastErr = err

		if !retryable {
			return 0, err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return 0, newErr(KindCancelled, "rangefetcher.Fetch", ctxErr)
		}

		backoff := time.Duration(float64(backoffForError(err, attempt)) * f.backoffScale)
		f.log.Warn().Int("attempt", attempt).Err(err).Str("url", url).Dur("backoff", backoff).Msg("range fetch retry")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return 0, newErr(KindCancelled, "rangefetcher.Fetch", ctx.Err())
		case <-timer.C:
		}
	}

	return 0, newErr(KindBudgetExhausted, "rangefetcher.Fetch", lastErr)
}

// backoffForError implements §4.3's two-tier schedule: 100ms*attempt for a
// non-2xx HTTP response, 2s*attempt for a transport-level failure (which
// also covers a body-read failure, counted as a transport error on the
// same attempt).
func backoffForError(err error, attempt int) time.Duration {
	var e *Error
	if as, ok := err.(*Error); ok {
		e = as
	}
	if e != nil && e.Kind == KindApplication {
		return time.Duration(attempt) * 100 * time.Millisecond
	}
	return time.Duration(attempt) * 2 * time.Second
}

// fetchOnce performs a single attempt. retryable is false for errors that
// will never succeed on retry (e.g. failure to create the destination
// directory).
func (f *RangeFetcher) fetchOnce(ctx context.Context, url, rangeHeader, destPath string) (n int64, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, true, newErr(KindTransport, "rangefetcher.fetchOnce", err)
	}
	req.Header.Set("Range", rangeHeader)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, true, newErr(KindTransport, "rangefetcher.fetchOnce", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		return 0, true, newErr(KindApplication, "rangefetcher.fetchOnce", fmt.Errorf("http status %d for %s", resp.StatusCode, rangeHeader))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, true, newErr(KindTransport, "rangefetcher.fetchOnce", err)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, false, newErr(KindIO, "rangefetcher.fetchOnce", err)
	}
	if err := os.WriteFile(destPath, body, 0o644); err != nil {
		return 0, false, newErr(KindIO, "rangefetcher.fetchOnce", err)
	}

	return int64(len(body)), false, nil
}
