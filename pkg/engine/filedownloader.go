// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FileDownloader splits one object into ranges, fans range fetches out
// through the parallelism and bandwidth permits, waits for all of them, and
// either finalizes the file directly (single-part) or enqueues a merge
// request (multi-part).
type FileDownloader struct {
	bandwidth   *BandwidthLimiter
	parallelism chan struct{} // global semaphore, max_parallel permits
	presign     *PresignClient
	fetcher     *RangeFetcher
	runtime     *RuntimeContext
	mergeQueue  chan<- MergeMessage
	log         zerolog.Logger
}

// NewFileDownloader wires a FileDownloader from its shared collaborators.
// parallelism is the global semaphore channel the Supervisor owns; every
// FileDownloader in a run shares the same one.
func NewFileDownloader(
	bandwidth *BandwidthLimiter,
	parallelism chan struct{},
	presign *PresignClient,
	fetcher *RangeFetcher,
	runtime *RuntimeContext,
	mergeQueue chan<- MergeMessage,
	log zerolog.Logger,
) *FileDownloader {
	return &FileDownloader{
		bandwidth:   bandwidth,
		parallelism: parallelism,
		presign:     presign,
		fetcher:     fetcher,
		runtime:     runtime,
		mergeQueue:  mergeQueue,
		log:         log.With().Str("component", "filedownloader").Logger(),
	}
}

// Download runs job to completion: decode, checkpoint-check, range fan-out,
// counter accounting, and (for multi-part objects) merge dispatch. It
// returns the object's relative path and how long the operation took.
func (d *FileDownloader) Download(ctx context.Context, job FileJob) (string, time.Duration, error) {
	start := time.Now()

	descriptor, err := DecodeSign(job.Sign)
	if err != nil {
		return "", 0, newErr(KindDecode, "filedownloader.Download", err)
	}

	abs := descriptor.Absolute(d.runtime.DataPath)

	// Step 2: whole-file checkpoint resume.
	if info, statErr := os.Stat(abs); statErr == nil && info.Size() == job.RequireSize {
		d.runtime.AddDownload(1, uint64(job.RequireSize))
		return descriptor.Relative(), time.Since(start), nil
	}

	totalParts := job.TotalParts()
	if totalParts == 0 {
		// require_size == 0: an empty file counts as completed unless it
		// already exists, in which case it was accounted above.
		if err := ensureEmptyFile(abs); err != nil {
			d.runtime.AddUncompleted(1, 0)
			return "", 0, newErr(KindIO, "filedownloader.Download", err)
		}
		d.runtime.AddCompleted(1, 0)
		return descriptor.Relative(), time.Since(start), nil
	}

	ranges := planRanges(job)
	results := make(chan rangeResult, 100)

	var wg sync.WaitGroup
	for _, rg := range ranges {
		wg.Add(1)
		go d.runRange(ctx, descriptor, rg, results, &wg)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	var (
		downloadBytes, completedBytes, uncompletedBytes int64
		anyFailed                                        bool
	)
	for res := range results {
		switch res.outcome {
		case outcomeSkip:
			downloadBytes += res.length
		case outcomeFresh:
			completedBytes += res.length
		case outcomeFailed:
			anyFailed = true
			uncompletedBytes += res.length
			d.log.Error().Err(res.err).Int64("idx", res.idx).Str("path", descriptor.Relative()).Msg("range failed")
		}
	}

	if downloadBytes > 0 {
		d.runtime.AddDownload(0, uint64(downloadBytes))
	}
	if completedBytes > 0 {
		d.runtime.AddCompleted(0, uint64(completedBytes))
	}

	if anyFailed {
		d.runtime.AddUncompleted(1, uint64(uncompletedBytes))
		return "", time.Since(start), newErr(KindBudgetExhausted, "filedownloader.Download", fmt.Errorf("one or more ranges failed for %s", descriptor.Relative()))
	}

	if totalParts > 1 {
		merge := MergeMessage{
			Descriptor: descriptor,
			TotalParts: totalParts,
			TotalBytes: job.RequireSize,
			ChunkSize:  job.effectiveChunkSize(),
			DataPath:   d.runtime.DataPath,
			TempPath:   d.runtime.TempPath,
		}
		select {
		case d.mergeQueue <- merge:
			d.runtime.AddCompleted(1, 0)
		case <-ctx.Done():
			d.runtime.AddUncompleted(1, 0)
			return "", time.Since(start), newErr(KindCancelled, "filedownloader.Download", ctx.Err())
		}
	} else {
		// total_parts == 1: the part path equals the final absolute path,
		// so the fetch that just completed already wrote the final file.
		d.runtime.AddCompleted(1, 0)
	}

	return descriptor.Relative(), time.Since(start), nil
}

// runRange fetches one range, reporting skip/fresh/failed over results. It
// acquires, in order, the global parallelism permit and then the bandwidth
// permit — parallelism first, inverting the source's historical order, so
// that a task blocked on a full worker pool never holds bandwidth tokens it
// cannot yet spend (§9 iii).
func (d *FileDownloader) runRange(ctx context.Context, descriptor StorageDescriptor, rg Range, results chan<- rangeResult, wg *sync.WaitGroup) {
	defer wg.Done()

	partPath := descriptor.PartPath(d.runtime.DataPath, int(rg.Idx), d.runtime.TempPath)
	if rg.TotalParts == 1 {
		partPath = descriptor.Absolute(d.runtime.DataPath)
	}
	want := rg.Length()

	if info, err := os.Stat(partPath); err == nil && info.Size() == want {
		results <- rangeResult{idx: rg.Idx, length: want, outcome: outcomeSkip}
		return
	}

	select {
	case d.parallelism <- struct{}{}:
	case <-ctx.Done():
		results <- rangeResult{idx: rg.Idx, length: want, outcome: outcomeFailed, err: ctx.Err()}
		return
	}
	defer func() { <-d.parallelism }()

	if err := d.bandwidth.Permit(ctx, want); err != nil {
		results <- rangeResult{idx: rg.Idx, length: want, outcome: outcomeFailed, err: err}
		return
	}

	url, err := d.presign.Resolve(ctx, rg.Sign)
	if err != nil {
		results <- rangeResult{idx: rg.Idx, length: want, outcome: outcomeFailed, err: err}
		return
	}

	if _, err := d.fetcher.Fetch(ctx, url, rg.HTTPRangeHeader(), partPath); err != nil {
		results <- rangeResult{idx: rg.Idx, length: want, outcome: outcomeFailed, err: err}
		return
	}

	results <- rangeResult{idx: rg.Idx, length: want, outcome: outcomeFresh}
}

func ensureEmptyFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	return f.Close()
}
