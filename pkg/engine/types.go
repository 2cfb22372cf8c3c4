// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package engine implements a parallel, resumable, bandwidth-governed bulk
// file downloader: manifests of signed object references stream in, each
// object is presigned, split into byte ranges, fetched concurrently over
// HTTP, and merged into a final file at a canonical local path.
package engine

import (
	"fmt"
	"path/filepath"
)

// DefaultChunkSize is the byte range size a FileJob is split into.
const DefaultChunkSize int64 = 5 * 1024 * 1024 // 5 MiB

// StorageDescriptor is the result of decoding a signed token. It names the
// relative path an object is stored at, locally and (conceptually) remotely.
type StorageDescriptor struct {
	Proto  string
	Path   string
	Prefix string
}

// Relative returns the local path for this object, relative to a data root.
func (d StorageDescriptor) Relative() string {
	return filepath.Join(d.Prefix, d.Path)
}

// Absolute returns the canonical local path for this object under base.
func (d StorageDescriptor) Absolute(base string) string {
	return filepath.Join(base, d.Relative())
}

// PartPath returns the stable scratch path for range idx of this object.
// The name is derived from the absolute canonical path so that a restart
// recognizes parts left over from a prior, interrupted run.
func (d StorageDescriptor) PartPath(base string, idx int, temp string) string {
	abs := d.Absolute(base)
	name := fmt.Sprintf("%d__%s__%s.bin", idx, md5Hex(abs), filepath.Base(abs))
	return filepath.Join(temp, name)
}

// FileJob describes one object to download.
type FileJob struct {
	Sign        string
	RequireSize int64
	ChunkSize   int64
}

// TotalParts returns ceil(RequireSize/ChunkSize), using DefaultChunkSize
// when ChunkSize is unset.
func (j FileJob) TotalParts() int64 {
	chunk := j.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	if j.RequireSize <= 0 {
		return 0
	}
	return (j.RequireSize + chunk - 1) / chunk
}

// effectiveChunkSize returns ChunkSize, defaulted.
func (j FileJob) effectiveChunkSize() int64 {
	if j.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	return j.ChunkSize
}

// Range is one contiguous half-open byte interval of an object.
type Range struct {
	Idx        int64
	StartPos   int64
	EndPos     int64
	TotalParts int64
	Sign       string
}

// HTTPRangeHeader renders the half-open [StartPos, EndPos) interval as the
// inclusive byte-range the HTTP Range header expects.
func (r Range) HTTPRangeHeader() string {
	return fmt.Sprintf("bytes=%d-%d", r.StartPos, r.EndPos-1)
}

// Length returns the number of bytes this range covers.
func (r Range) Length() int64 {
	return r.EndPos - r.StartPos
}

// planRanges splits job into its constituent Ranges.
func planRanges(job FileJob) []Range {
	total := job.TotalParts()
	if total == 0 {
		return nil
	}
	chunk := job.effectiveChunkSize()
	ranges := make([]Range, 0, total)
	for idx := int64(0); idx < total; idx++ {
		start := idx * chunk
		end := start + chunk
		if idx == total-1 {
			end = job.RequireSize
		}
		ranges = append(ranges, Range{
			Idx:        idx,
			StartPos:   start,
			EndPos:     end,
			TotalParts: total,
			Sign:       job.Sign,
		})
	}
	return ranges
}

// MergeMessage requests assembly of a completed object's parts.
type MergeMessage struct {
	Descriptor StorageDescriptor
	TotalParts int64
	TotalBytes int64
	ChunkSize  int64
	DataPath   string
	TempPath   string
}

// rangeOutcome classifies how a single range's fetch resolved.
type rangeOutcome int

const (
	outcomeSkip rangeOutcome = iota
	outcomeFresh
	outcomeFailed
)

// rangeResult is what a range worker reports back to its FileDownloader.
type rangeResult struct {
	idx     int64
	length  int64
	outcome rangeOutcome
	err     error
}
