// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPresignClientResolveSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body presignRequestBody
		json.NewDecoder(r.Body).Decode(&body)
		if body.Network != "prod" || body.DownloadSign != "sign-1" {
			t.Errorf("unexpected request body: %+v", body)
		}
		json.NewEncoder(w).Encode(presignResponseBody{Code: 0, Data: struct {
			Endpoint string `json:"endpoint"`
		}{Endpoint: "https://example.test/object"}})
	}))
	defer srv.Close()

	client := NewPresignClient(srv.Client(), srv.URL, "prod", zerolog.Nop())
	endpoint, err := client.Resolve(context.Background(), "sign-1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if endpoint != "https://example.test/object" {
		t.Errorf("Resolve() = %q, want %q", endpoint, "https://example.test/object")
	}
}

func TestPresignClientResolveRetriesOnApplicationError(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			json.NewEncoder(w).Encode(presignResponseBody{Code: 1, Message: "not ready"})
			return
		}
		json.NewEncoder(w).Encode(presignResponseBody{Code: 0, Data: struct {
			Endpoint string `json:"endpoint"`
		}{Endpoint: "https://example.test/ok"}})
	}))
	defer srv.Close()

	client := NewPresignClient(srv.Client(), srv.URL, "prod", zerolog.Nop())
	endpoint, err := client.Resolve(context.Background(), "sign-1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if endpoint != "https://example.test/ok" {
		t.Errorf("Resolve() = %q, want the eventually-successful endpoint", endpoint)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPresignClientResolveExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(presignResponseBody{Code: 7, Message: "always fails"})
	}))
	defer srv.Close()

	client := NewPresignClient(srv.Client(), srv.URL, "prod", zerolog.Nop()).withTestBaseDelay(time.Millisecond)
	if _, err := client.Resolve(context.Background(), "sign-1"); err == nil {
		t.Error("Resolve() error = nil, want budget-exhausted error")
	}
}

func TestPresignClientResolveEmptyEndpointFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(presignResponseBody{Code: 0, Data: struct {
			Endpoint string `json:"endpoint"`
		}{Endpoint: ""}})
	}))
	defer srv.Close()

	client := NewPresignClient(srv.Client(), srv.URL, "prod", zerolog.Nop())
	if _, err := client.Resolve(context.Background(), "sign-1"); err == nil {
		t.Error("Resolve() error = nil, want error for empty endpoint")
	}
}
