// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

// newTestPresignServer returns an httptest server that answers presign
// requests by pointing back at itself, and serves ranged GETs from content.
func newTestPresignServer(t *testing.T, content []byte) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/presign", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(presignResponseBody{Code: 0, Data: struct {
			Endpoint string `json:"endpoint"`
		}{Endpoint: srv.URL + "/object"}})
	})
	mux.HandleFunc("/object", func(w http.ResponseWriter, r *http.Request) {
		var start, end int64
		if header := r.Header.Get("Range"); header != "" {
			fmt.Sscanf(header, "bytes=%d-%d", &start, &end)
		} else {
			end = int64(len(content)) - 1
		}
		if end >= int64(len(content)) {
			end = int64(len(content)) - 1
		}
		w.Write(content[start : end+1])
	})
	srv = httptest.NewServer(mux)
	return srv
}

func newFileDownloader(t *testing.T, srv *httptest.Server, runtime *RuntimeContext, mergeQueue chan MergeMessage, parallelism int) *FileDownloader {
	t.Helper()
	bw := NewBandwidthLimiter(0)
	presign := NewPresignClient(srv.Client(), srv.URL+"/presign", "prod", zerolog.Nop())
	fetcher := NewRangeFetcher(srv.Client(), zerolog.Nop())
	sem := make(chan struct{}, parallelism)
	return NewFileDownloader(bw, sem, presign, fetcher, runtime, mergeQueue, zerolog.Nop())
}

func TestFileDownloaderSinglePartDownloadsWholeFile(t *testing.T) {
	content := []byte("hello world")
	srv := newTestPresignServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	runtime := &RuntimeContext{DataPath: filepath.Join(dir, "data"), TempPath: filepath.Join(dir, "temp")}
	mergeQueue := make(chan MergeMessage, 1)
	dl := newFileDownloader(t, srv, runtime, mergeQueue, 4)

	descriptor := StorageDescriptor{Proto: "s3", Path: "a.bin", Prefix: "repo"}
	sign, err := EncodeSign(descriptor)
	if err != nil {
		t.Fatalf("EncodeSign() error = %v", err)
	}

	job := FileJob{Sign: sign, RequireSize: int64(len(content)), ChunkSize: DefaultChunkSize}
	relPath, _, err := dl.Download(context.Background(), job)
	if err != nil {
		t.Fatalf("Download() error = %v", err)
	}
	if want := descriptor.Relative(); relPath != want {
		t.Errorf("Download() relPath = %q, want %q", relPath, want)
	}

	got, err := os.ReadFile(descriptor.Absolute(runtime.DataPath))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != string(content) {
		t.Errorf("file content = %q, want %q", got, content)
	}

	snap := runtime.Snapshot()
	if snap.CompletedCount != 1 {
		t.Errorf("CompletedCount = %d, want 1", snap.CompletedCount)
	}
	select {
	case <-mergeQueue:
		t.Error("unexpected merge message for a single-part file")
	default:
	}
}

func TestFileDownloaderCheckpointResumeSkipsNetwork(t *testing.T) {
	content := []byte("already here")
	srv := newTestPresignServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	runtime := &RuntimeContext{DataPath: filepath.Join(dir, "data"), TempPath: filepath.Join(dir, "temp")}
	descriptor := StorageDescriptor{Proto: "s3", Path: "b.bin", Prefix: "repo"}

	abs := descriptor.Absolute(runtime.DataPath)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(abs, content, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	// Shut the server down so any network call would fail loudly.
	srv.Close()

	mergeQueue := make(chan MergeMessage, 1)
	dl := newFileDownloader(t, srv, runtime, mergeQueue, 4)

	sign, err := EncodeSign(descriptor)
	if err != nil {
		t.Fatalf("EncodeSign() error = %v", err)
	}
	job := FileJob{Sign: sign, RequireSize: int64(len(content)), ChunkSize: DefaultChunkSize}

	if _, _, err := dl.Download(context.Background(), job); err != nil {
		t.Fatalf("Download() error = %v, want checkpoint resume to succeed without network", err)
	}

	snap := runtime.Snapshot()
	if snap.DownloadCount != 1 {
		t.Errorf("DownloadCount = %d, want 1", snap.DownloadCount)
	}
}

func TestFileDownloaderZeroSizeJobCreatesEmptyFile(t *testing.T) {
	srv := newTestPresignServer(t, nil)
	defer srv.Close()

	dir := t.TempDir()
	runtime := &RuntimeContext{DataPath: filepath.Join(dir, "data"), TempPath: filepath.Join(dir, "temp")}
	descriptor := StorageDescriptor{Proto: "s3", Path: "empty.bin", Prefix: "repo"}

	mergeQueue := make(chan MergeMessage, 1)
	dl := newFileDownloader(t, srv, runtime, mergeQueue, 4)

	sign, err := EncodeSign(descriptor)
	if err != nil {
		t.Fatalf("EncodeSign() error = %v", err)
	}
	job := FileJob{Sign: sign, RequireSize: 0, ChunkSize: DefaultChunkSize}

	if _, _, err := dl.Download(context.Background(), job); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	info, err := os.Stat(descriptor.Absolute(runtime.DataPath))
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if info.Size() != 0 {
		t.Errorf("file size = %d, want 0", info.Size())
	}

	snap := runtime.Snapshot()
	if snap.CompletedCount != 1 {
		t.Errorf("CompletedCount = %d, want 1", snap.CompletedCount)
	}
}

func TestFileDownloaderMultiPartEnqueuesMerge(t *testing.T) {
	content := make([]byte, 25)
	for i := range content {
		content[i] = byte('a' + i%26)
	}
	srv := newTestPresignServer(t, content)
	defer srv.Close()

	dir := t.TempDir()
	runtime := &RuntimeContext{DataPath: filepath.Join(dir, "data"), TempPath: filepath.Join(dir, "temp")}
	descriptor := StorageDescriptor{Proto: "s3", Path: "big.bin", Prefix: "repo"}

	mergeQueue := make(chan MergeMessage, 1)
	dl := newFileDownloader(t, srv, runtime, mergeQueue, 4)

	sign, err := EncodeSign(descriptor)
	if err != nil {
		t.Fatalf("EncodeSign() error = %v", err)
	}
	job := FileJob{Sign: sign, RequireSize: int64(len(content)), ChunkSize: 10}

	if _, _, err := dl.Download(context.Background(), job); err != nil {
		t.Fatalf("Download() error = %v", err)
	}

	select {
	case merge := <-mergeQueue:
		if merge.TotalParts != 3 {
			t.Errorf("MergeMessage.TotalParts = %d, want 3", merge.TotalParts)
		}
		if merge.TotalBytes != int64(len(content)) {
			t.Errorf("MergeMessage.TotalBytes = %d, want %d", merge.TotalBytes, len(content))
		}
		if merge.ChunkSize != 10 {
			t.Errorf("MergeMessage.ChunkSize = %d, want 10", merge.ChunkSize)
		}
		if merge.Descriptor != descriptor {
			t.Errorf("MergeMessage.Descriptor = %+v, want %+v", merge.Descriptor, descriptor)
		}
	default:
		t.Fatal("expected a merge message for a multi-part file")
	}

	for idx := int64(0); idx < 3; idx++ {
		want := int64(10)
		if idx == 2 {
			want = 5
		}
		part := descriptor.PartPath(runtime.DataPath, int(idx), runtime.TempPath)
		info, err := os.Stat(part)
		if err != nil {
			t.Fatalf("Stat(part %d) error = %v", idx, err)
		}
		if info.Size() != want {
			t.Errorf("part %d size = %d, want %d", idx, info.Size(), want)
		}
	}
}

func TestFileDownloaderRangeFailurePropagates(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/presign", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(presignResponseBody{Code: 0, Data: struct {
			Endpoint string `json:"endpoint"`
		}{Endpoint: srv.URL + "/object"}})
	})
	mux.HandleFunc("/object", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	dir := t.TempDir()
	runtime := &RuntimeContext{DataPath: filepath.Join(dir, "data"), TempPath: filepath.Join(dir, "temp")}
	descriptor := StorageDescriptor{Proto: "s3", Path: "fails.bin", Prefix: "repo"}

	mergeQueue := make(chan MergeMessage, 1)
	bw := NewBandwidthLimiter(0)
	presign := NewPresignClient(srv.Client(), srv.URL+"/presign", "prod", zerolog.Nop())
	fetcher := NewRangeFetcher(srv.Client(), zerolog.Nop()).withTestBackoffScale(0.0001)
	sem := make(chan struct{}, 4)
	dl := NewFileDownloader(bw, sem, presign, fetcher, runtime, mergeQueue, zerolog.Nop())

	sign, err := EncodeSign(descriptor)
	if err != nil {
		t.Fatalf("EncodeSign() error = %v", err)
	}
	job := FileJob{Sign: sign, RequireSize: 5, ChunkSize: DefaultChunkSize}

	if _, _, err := dl.Download(context.Background(), job); err == nil {
		t.Error("Download() error = nil, want failure propagated from a failing range")
	}

	snap := runtime.Snapshot()
	if snap.UncompletedCount != 1 {
		t.Errorf("UncompletedCount = %d, want 1", snap.UncompletedCount)
	}
}
