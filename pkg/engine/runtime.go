// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"fmt"
	"sync/atomic"
)

// RuntimeContext holds the process-wide atomic counters and path
// configuration shared by every component of a run. It is created once by
// the Supervisor and passed by reference; every field is updated with
// fetch-add only, so there are no compound invariants to protect across
// fields.
type RuntimeContext struct {
	MetaPath string
	DataPath string
	TempPath string

	requireCount uint64
	requireBytes uint64

	downloadCount uint64 // checkpoint-resume: already present, skipped
	downloadBytes uint64

	completedCount uint64 // freshly downloaded this run
	completedBytes uint64

	uncompletedCount uint64 // failed after exhausting retries
	uncompletedBytes uint64
}

// NewRuntimeContext builds a RuntimeContext rooted at useLoc, with the
// standard meta/data/temp subdirectory layout.
func NewRuntimeContext(useLoc string) *RuntimeContext {
	return &RuntimeContext{
		MetaPath: useLoc + "/meta",
		DataPath: useLoc + "/data",
		TempPath: useLoc + "/temp",
	}
}

func (r *RuntimeContext) AddRequire(count, bytes uint64) {
	atomic.AddUint64(&r.requireCount, count)
	atomic.AddUint64(&r.requireBytes, bytes)
}

func (r *RuntimeContext) AddDownload(count, bytes uint64) {
	atomic.AddUint64(&r.downloadCount, count)
	atomic.AddUint64(&r.downloadBytes, bytes)
}

func (r *RuntimeContext) AddCompleted(count, bytes uint64) {
	atomic.AddUint64(&r.completedCount, count)
	atomic.AddUint64(&r.completedBytes, bytes)
}

func (r *RuntimeContext) AddUncompleted(count, bytes uint64) {
	atomic.AddUint64(&r.uncompletedCount, count)
	atomic.AddUint64(&r.uncompletedBytes, bytes)
}

// RuntimeSnapshot is a point-in-time, plain-value copy of RuntimeContext's
// counters, safe to read, render, or marshal without further locking.
type RuntimeSnapshot struct {
	RequireCount uint64 `json:"requireCount"`
	RequireBytes uint64 `json:"requireBytes"`

	DownloadCount uint64 `json:"downloadCount"`
	DownloadBytes uint64 `json:"downloadBytes"`

	CompletedCount uint64 `json:"completedCount"`
	CompletedBytes uint64 `json:"completedBytes"`

	UncompletedCount uint64 `json:"uncompletedCount"`
	UncompletedBytes uint64 `json:"uncompletedBytes"`
}

// Snapshot takes an atomic-load copy of every counter.
func (r *RuntimeContext) Snapshot() RuntimeSnapshot {
	return RuntimeSnapshot{
		RequireCount:     atomic.LoadUint64(&r.requireCount),
		RequireBytes:     atomic.LoadUint64(&r.requireBytes),
		DownloadCount:    atomic.LoadUint64(&r.downloadCount),
		DownloadBytes:    atomic.LoadUint64(&r.downloadBytes),
		CompletedCount:   atomic.LoadUint64(&r.completedCount),
		CompletedBytes:   atomic.LoadUint64(&r.completedBytes),
		UncompletedCount: atomic.LoadUint64(&r.uncompletedCount),
		UncompletedBytes: atomic.LoadUint64(&r.uncompletedBytes),
	}
}

// DownloadPercent returns the fraction, in [0,1], of required bytes that
// have either been freshly downloaded or recognized as already present.
// Returns 0 when no bytes are required yet.
func (s RuntimeSnapshot) DownloadPercent() float64 {
	if s.RequireBytes == 0 {
		return 0
	}
	return float64(s.CompletedBytes+s.DownloadBytes) / float64(s.RequireBytes)
}

func (s RuntimeSnapshot) String() string {
	return fmt.Sprintf(
		"Success: %d/%s, Fail: %d/%s, Skip: %d/%s",
		s.CompletedCount+s.DownloadCount, humanBytes(int64(s.CompletedBytes+s.DownloadBytes)),
		s.UncompletedCount, humanBytes(int64(s.UncompletedBytes)),
		s.DownloadCount, humanBytes(int64(s.DownloadBytes)),
	)
}
