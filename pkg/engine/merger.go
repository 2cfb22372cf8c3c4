// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

// mergeWriterBufferSize is the minimum buffered-writer capacity the
// assembly step uses per §4.5 step 2.
const mergeWriterBufferSize = 8 * 1024 * 1024 // 8 MiB

// mergeCompletionBuffer is the bound on the merge-completion channel (§5).
const mergeCompletionBuffer = 3000

// MergeResult reports how one MergeMessage resolved.
type MergeResult struct {
	Message MergeMessage
	Err     error
}

// Merger assembles part files into final output files in index order, one
// concurrent merge task per queued MergeMessage. A merge failure is logged
// and never retried; part deletions are deferred until a merge fully
// succeeds, so a failed merge's parts remain on disk for the next run to
// pick up as already-fetched.
type Merger struct {
	queue <-chan MergeMessage
	log   zerolog.Logger
}

// NewMerger builds a Merger reading MergeMessages off queue.
func NewMerger(queue <-chan MergeMessage, log zerolog.Logger) *Merger {
	return &Merger{queue: queue, log: log.With().Str("component", "merger").Logger()}
}

// Run drains the merge queue until it is closed or ctx is cancelled,
// spawning one goroutine per message. The returned channel (capacity 3000,
// matching the source's merge-completion channel) receives one MergeResult
// per completed or failed merge; the caller must keep draining it or Run's
// goroutines will block on send once the buffer fills.
func (m *Merger) Run(ctx context.Context) <-chan MergeResult {
	out := make(chan MergeResult, mergeCompletionBuffer)

	go func() {
		var wg sync.WaitGroup
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case msg, ok := <-m.queue:
				if !ok {
					break loop
				}
				wg.Add(1)
				go func(msg MergeMessage) {
					defer wg.Done()
					err := mergeOne(msg)
					if err != nil {
						m.log.Error().Err(err).Str("path", msg.Descriptor.Relative()).Msg("merge failed")
					}
					select {
					case out <- MergeResult{Message: msg, Err: err}:
					case <-ctx.Done():
					}
				}(msg)
			}
		}
		wg.Wait()
		close(out)
	}()

	return out
}

// mergeOne assembles the parts named by msg into the final destination
// file, deleting them only after every part has been copied successfully.
func mergeOne(msg MergeMessage) error {
	dest := msg.Descriptor.Absolute(msg.DataPath)

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return newErr(KindIO, "merger.mergeOne", fmt.Errorf("create destination dir: %w", err))
	}
	_ = os.Remove(dest) // best effort; a stale destination from a prior run is expected, not an error

	destFile, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return newErr(KindIO, "merger.mergeOne", fmt.Errorf("open destination: %w", err))
	}
	defer destFile.Close()

	w := bufio.NewWriterSize(destFile, mergeWriterBufferSize)

	chunk := msg.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	partPaths := make([]string, msg.TotalParts)
	for idx := int64(0); idx < msg.TotalParts; idx++ {
		logicalLen := chunk
		if idx == msg.TotalParts-1 {
			logicalLen = msg.TotalBytes - (msg.TotalParts-1)*chunk
		}

		partPath := msg.Descriptor.PartPath(msg.DataPath, int(idx), msg.TempPath)
		partPaths[idx] = partPath

		if err := copyPartInto(w, partPath, logicalLen); err != nil {
			return newErr(KindIO, "merger.mergeOne", fmt.Errorf("copy part %d: %w", idx, err))
		}
	}

	if err := w.Flush(); err != nil {
		return newErr(KindIO, "merger.mergeOne", fmt.Errorf("flush destination: %w", err))
	}
	if err := destFile.Close(); err != nil {
		return newErr(KindIO, "merger.mergeOne", fmt.Errorf("close destination: %w", err))
	}

	for _, p := range partPaths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			// A part we can't delete after a successful merge isn't fatal to
			// this run's output; log-equivalent is left to the caller via
			// the returned MergeResult carrying no error here.
			continue
		}
	}

	return nil
}

// copyPartInto copies exactly logicalLen bytes from partPath into w,
// tolerating an on-disk part file that is longer than its logical length
// (a fuller range than requested, returned by a permissive server).
func copyPartInto(w io.Writer, partPath string, logicalLen int64) error {
	f, err := os.Open(partPath)
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.CopyN(w, f, logicalLen)
	if err != nil && err != io.EOF {
		return err
	}
	if n != logicalLen {
		return fmt.Errorf("part %s: wrote %d bytes, want %d", partPath, n, logicalLen)
	}
	return nil
}
