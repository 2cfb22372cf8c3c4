// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRangeFetcherFetchSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got, want := r.Header.Get("Range"), "bytes=0-9"; got != want {
			t.Errorf("Range header = %q, want %q", got, want)
		}
		w.Write([]byte("0123456789"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "part", "0")

	fetcher := NewRangeFetcher(srv.Client(), zerolog.Nop())
	n, err := fetcher.Fetch(context.Background(), srv.URL, "bytes=0-9", dest)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != 10 {
		t.Errorf("Fetch() n = %d, want 10", n)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "0123456789" {
		t.Errorf("file content = %q, want %q", got, "0123456789")
	}
}

func TestRangeFetcherRetriesNonTwoXXThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "part0")
	fetcher := NewRangeFetcher(srv.Client(), zerolog.Nop()).withTestBackoffScale(0.001)

	n, err := fetcher.Fetch(context.Background(), srv.URL, "bytes=0-1", dest)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != 2 {
		t.Errorf("Fetch() n = %d, want 2", n)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRangeFetcherExhaustsBudgetOnPersistentNonTwoXX(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "part0")
	fetcher := NewRangeFetcher(srv.Client(), zerolog.Nop()).withTestBackoffScale(0.0001)

	if _, err := fetcher.Fetch(context.Background(), srv.URL, "bytes=0-1", dest); err == nil {
		t.Error("Fetch() error = nil, want budget-exhausted error")
	}
	if got := atomic.LoadInt32(&attempts); got != rangeFetchAttempts {
		t.Errorf("attempts = %d, want %d", got, rangeFetchAttempts)
	}
}

func TestRangeFetcherRetriesTransportErrorThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fine"))
	}))
	defer srv.Close()

	// Use a client whose first call always fails via a cancelled per-call
	// context emulation isn't straightforward with httptest directly, so
	// instead drive the transport-error path with an unroutable address
	// wrapped by a client that falls back to the real server after N calls
	// would require a custom RoundTripper. Use one here.
	rt := &flakyTransport{
		real: http.DefaultTransport,
		fn: func() bool {
			return atomic.AddInt32(&calls, 1) <= 2
		},
	}
	client := &http.Client{Transport: rt}

	dest := filepath.Join(t.TempDir(), "part0")
	fetcher := NewRangeFetcher(client, zerolog.Nop()).withTestBackoffScale(0.0001)

	n, err := fetcher.Fetch(context.Background(), srv.URL, "bytes=0-3", dest)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if n != 4 {
		t.Errorf("Fetch() n = %d, want 4", n)
	}
}

// flakyTransport fails the first calls for which fn returns true, then
// delegates to real.
type flakyTransport struct {
	real http.RoundTripper
	fn   func() bool
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.fn() {
		return nil, &net_OpError{}
	}
	return t.real.RoundTrip(req)
}

// net_OpError is a minimal error type standing in for a net.OpError without
// importing net, since only Error() is exercised here.
type net_OpError struct{}

func (e *net_OpError) Error() string { return "simulated dial failure" }

func TestRangeFetcherRespectsCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	dest := filepath.Join(t.TempDir(), "part0")
	fetcher := NewRangeFetcher(srv.Client(), zerolog.Nop())

	if _, err := fetcher.Fetch(ctx, srv.URL, "bytes=0-1", dest); err == nil {
		t.Error("Fetch() error = nil, want cancellation error")
	}
}
