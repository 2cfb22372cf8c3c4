// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	manifestSentinelStart = "---start---"
	manifestSentinelEnd   = "---end---"

	// metaListPollInterval is how often ManifestReader polls for
	// {temp_path}/meta.list to appear before it starts (§4.6).
	metaListPollInterval = time.Second
	// manifestPassInterval is the sleep between ManifestList scan passes.
	manifestPassInterval = time.Second
)

// Flag bits for ManifestFlags: a manifest name is processed at most once
// per role.
const (
	FlagSizeAccounted uint64 = 1 << 0
	FlagDispatched    uint64 = 1 << 1
)

// ManifestList is an append-only, concurrently-readable sequence of
// manifest file names, appended externally (by an embedder's push
// operation) while ManifestReader consumes snapshots of it.
type ManifestList struct {
	mu    sync.RWMutex
	lines []string
}

// NewManifestList builds an empty ManifestList.
func NewManifestList() *ManifestList {
	return &ManifestList{}
}

// Push appends name to the list. Safe for concurrent use with Snapshot.
func (l *ManifestList) Push(name string) {
	l.mu.Lock()
	l.lines = append(l.lines, name)
	l.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the list's contents.
func (l *ManifestList) Snapshot() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, len(l.lines))
	copy(out, l.lines)
	return out
}

// ManifestFlags maps a manifest name to the bitmask of roles that have
// already processed it, guarded by a single exclusive lock.
type ManifestFlags struct {
	mu    sync.Mutex
	flags map[string]uint64
}

// NewManifestFlags builds an empty ManifestFlags.
func NewManifestFlags() *ManifestFlags {
	return &ManifestFlags{flags: make(map[string]uint64)}
}

// TryMark sets bit for name if it isn't already set, reporting whether it
// did. A false result means some earlier call already claimed this
// (name, bit) pair for processing.
func (f *ManifestFlags) TryMark(name string, bit uint64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	cur := f.flags[name]
	if cur&bit == bit {
		return false
	}
	f.flags[name] = cur | bit
	return true
}

// AwaitMetaList polls for {tempPath}/meta.list to exist, once per second,
// until it does or ctx is cancelled. It gates ManifestReader start per §4.6.
func AwaitMetaList(ctx context.Context, tempPath string) error {
	sentinel := filepath.Join(tempPath, "meta.list")
	for {
		if _, err := os.Stat(sentinel); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return newErr(KindCancelled, "manifest.AwaitMetaList", ctx.Err())
		case <-time.After(metaListPollInterval):
		}
	}
}

// readManifestNames implements the ManifestReader state machine shared by
// both consumer roles: repeatedly snapshot the ManifestList, emit each
// not-yet-claimed-for-this-role name downstream, and terminate once a
// "---end---" sentinel line is observed.
func readManifestNames(ctx context.Context, list *ManifestList, flags *ManifestFlags, bit uint64, out chan<- string) {
	defer close(out)
	for {
		stop := false
		for _, raw := range list.Snapshot() {
			line := strings.TrimSpace(raw)
			switch {
			case line == "":
				continue
			case line == manifestSentinelStart:
				continue
			case line == manifestSentinelEnd:
				stop = true
			default:
				if !flags.TryMark(line, bit) {
					continue
				}
				select {
				case out <- line:
				case <-ctx.Done():
					return
				}
			}
			if stop {
				break
			}
		}
		if stop {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(manifestPassInterval):
		}
	}
}

// manifestRow is one parsed data row of a manifest CSV.
type manifestRow struct {
	Sign string
	Size int64
	Ext  string
}

// readManifestCSV parses {metaPath}/{name}: columns sign, size, ext;
// additional columns ignored; the first row is a header and is skipped.
func readManifestCSV(path string) ([]manifestRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, newErr(KindIO, "manifest.readManifestCSV", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1 // tolerate extra, ignored columns

	records, err := r.ReadAll()
	if err != nil {
		return nil, newErr(KindDecode, "manifest.readManifestCSV", err)
	}
	if len(records) <= 1 {
		return nil, nil
	}

	rows := make([]manifestRow, 0, len(records)-1)
	for _, rec := range records[1:] {
		if len(rec) < 2 {
			continue
		}
		size, err := strconv.ParseInt(strings.TrimSpace(rec[1]), 10, 64)
		if err != nil {
			continue
		}
		ext := ""
		if len(rec) >= 3 {
			ext = rec[2]
		}
		rows = append(rows, manifestRow{Sign: rec[0], Size: size, Ext: ext})
	}
	return rows, nil
}

// ManifestReader drives both consumer roles described in §4.6: summing
// required bytes/counts into the RuntimeContext, and filtering+dispatching
// rows that aren't already satisfied locally onto the downloader queue.
type ManifestReader struct {
	list      *ManifestList
	flags     *ManifestFlags
	runtime   *RuntimeContext
	chunkSize int64
	log       zerolog.Logger
}

// NewManifestReader builds a ManifestReader over the shared list, flags,
// and runtime counters. chunkSize is the FileJob range size dispatched
// rows are cut into; zero means DefaultChunkSize.
func NewManifestReader(list *ManifestList, flags *ManifestFlags, runtime *RuntimeContext, chunkSize int64, log zerolog.Logger) *ManifestReader {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &ManifestReader{
		list:      list,
		flags:     flags,
		runtime:   runtime,
		chunkSize: chunkSize,
		log:       log.With().Str("component", "manifestreader").Logger(),
	}
}

// RunSizeAccounting is the "size accounting" role (flag bit A): for every
// manifest name not yet processed under FlagSizeAccounted, sum its rows
// into RequireCount/RequireBytes.
func (r *ManifestReader) RunSizeAccounting(ctx context.Context) {
	names := make(chan string, 100)
	go readManifestNames(ctx, r.list, r.flags, FlagSizeAccounted, names)

	for name := range names {
		rows, err := readManifestCSV(filepath.Join(r.runtime.MetaPath, name))
		if err != nil {
			r.log.Error().Err(err).Str("manifest", name).Msg("size accounting: read manifest")
			continue
		}
		var bytes int64
		for _, row := range rows {
			bytes += row.Size
		}
		r.runtime.AddRequire(uint64(len(rows)), uint64(bytes))
	}
}

// RunDispatch is the "download dispatch" role (flag bit B): for every
// manifest name not yet processed under FlagDispatched, read its rows, drop
// rows whose local file already matches the expected size (accounting them
// as checkpoint-resumed), and forward the rest as FileJobs to jobs.
// jobs is expected to be a small, bounded channel (capacity 5 per §5): it
// exists to backpressure the filter stage against the file-dispatch
// semaphore the Supervisor enforces around each FileDownloader.Download
// call, not to buffer large amounts of work in memory.
func (r *ManifestReader) RunDispatch(ctx context.Context, jobs chan<- FileJob) {
	defer close(jobs)

	names := make(chan string, 100)
	go readManifestNames(ctx, r.list, r.flags, FlagDispatched, names)

	for name := range names {
		rows, err := readManifestCSV(filepath.Join(r.runtime.MetaPath, name))
		if err != nil {
			r.log.Error().Err(err).Str("manifest", name).Msg("dispatch: read manifest")
			continue
		}

		for _, row := range rows {
			descriptor, err := DecodeSign(row.Sign)
			if err != nil {
				r.log.Error().Err(err).Str("manifest", name).Msg("dispatch: decode sign")
				continue
			}

			abs := descriptor.Absolute(r.runtime.DataPath)
			if info, statErr := os.Stat(abs); statErr == nil && info.Size() == row.Size {
				r.runtime.AddDownload(1, uint64(row.Size))
				continue
			}

			job := FileJob{Sign: row.Sign, RequireSize: row.Size, ChunkSize: r.chunkSize}
			select {
			case jobs <- job:
			case <-ctx.Done():
				return
			}
		}
	}
}
