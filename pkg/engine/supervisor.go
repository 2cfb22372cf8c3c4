// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// cancelGracePeriod is how long the Supervisor gives in-flight work to
// settle after a termination signal before it returns, mirroring the
// source runtime's own shutdown_background + short sleep before cancelling
// (runtime.rs).
const cancelGracePeriod = 2 * time.Second

// fileDispatchSemaphoreSize bounds concurrent in-flight files (§5).
const fileDispatchSemaphoreSize = 10000

// mergeQueueBuffer bounds the merge queue (§5).
const mergeQueueBuffer = 100

// filterDispatchBuffer bounds the filter -> dispatch channel (§5).
const filterDispatchBuffer = 5

// Supervisor constructs every shared collaborator, wires the pipeline
// together, owns the cancellation token, and waits for either natural
// completion (manifest reader roles hit "---end---", every dispatched file
// and merge finished) or an external termination signal.
type Supervisor struct {
	settings Settings
	log      zerolog.Logger

	Runtime  *RuntimeContext
	List     *ManifestList
	Flags    *ManifestFlags
	Watcher  *ProgressWatcher
}

// NewSupervisor builds a Supervisor for settings, rendering progress
// through render (may be nil).
func NewSupervisor(settings Settings, log zerolog.Logger, render RenderFunc) (*Supervisor, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	runtime := NewRuntimeContext(settings.UseLoc)
	for _, dir := range []string{runtime.MetaPath, runtime.DataPath, runtime.TempPath} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, newErr(KindFatal, "NewSupervisor", err)
		}
	}

	// ManifestList lives in memory, not on disk, so there is no external
	// writer for AwaitMetaList's sentinel to legitimately wait on: the
	// Supervisor itself is the only thing that can ever signal "meta
	// directory ready," so it does so as soon as its own setup is done.
	sentinel := filepath.Join(runtime.TempPath, "meta.list")
	if err := os.WriteFile(sentinel, nil, 0o644); err != nil {
		return nil, newErr(KindFatal, "NewSupervisor", err)
	}

	s := &Supervisor{
		settings: settings,
		log:      log,
		Runtime:  runtime,
		List:     NewManifestList(),
		Flags:    NewManifestFlags(),
	}
	s.Watcher = NewProgressWatcher(runtime, render, settings.ShowProgressBar)
	return s, nil
}

// Push appends a manifest name to the shared list, the engine-side half of
// the embedder API's push(name) operation (§6).
func (s *Supervisor) Push(name string) {
	s.List.Push(name)
}

// Run wires the pipeline and blocks until the run completes naturally or
// parent is cancelled or the process receives SIGINT/SIGTERM. It returns an
// error only when parent is cancelled before the meta.list sentinel is
// found; otherwise it returns nil: a run that completes with failed files is still a
// successful invocation of the engine, and failures are visible in the
// final RuntimeSnapshot, not the return value (§7 "no exit code is
// guaranteed to reflect partial failures").
func (s *Supervisor) Run(parent context.Context) error {
	if err := AwaitMetaList(parent, s.Runtime.TempPath); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	httpClient := buildHTTPClient(s.settings)
	bandwidth := NewBandwidthLimiter(s.settings.MaxBandwidthBytesPerSec)
	parallelism := make(chan struct{}, s.settings.MaxParallel)
	presign := NewPresignClient(httpClient, s.settings.PresignAPI, s.settings.Network, s.log)
	fetcher := NewRangeFetcher(httpClient, s.log)
	mergeQueue := make(chan MergeMessage, mergeQueueBuffer)
	merger := NewMerger(mergeQueue, s.log)
	downloader := NewFileDownloader(bandwidth, parallelism, presign, fetcher, s.Runtime, mergeQueue, s.log)
	reader := NewManifestReader(s.List, s.Flags, s.Runtime, s.settings.ChunkSize, s.log)

	go bandwidth.Run(ctx)
	go s.Watcher.Run(ctx)

	var readerWG sync.WaitGroup
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		reader.RunSizeAccounting(ctx)
	}()

	jobs := make(chan FileJob, filterDispatchBuffer)
	readerWG.Add(1)
	go func() {
		defer readerWG.Done()
		reader.RunDispatch(ctx, jobs)
	}()

	mergeResults := merger.Run(ctx)

	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		fileSemaphore := make(chan struct{}, fileDispatchSemaphoreSize)
		var fileWG sync.WaitGroup
		for job := range jobs {
			select {
			case fileSemaphore <- struct{}{}:
			case <-ctx.Done():
				fileWG.Wait()
				close(mergeQueue)
				return
			}
			fileWG.Add(1)
			go func(job FileJob) {
				defer fileWG.Done()
				defer func() { <-fileSemaphore }()
				if _, _, err := downloader.Download(ctx, job); err != nil {
					s.log.Error().Err(err).Str("sign", truncateSign(job.Sign)).Msg("file download failed")
				}
			}(job)
		}
		fileWG.Wait()
		close(mergeQueue)
	}()

	mergeDone := make(chan struct{})
	go func() {
		defer close(mergeDone)
		for res := range mergeResults {
			if res.Err != nil {
				s.log.Error().Err(res.Err).Str("path", res.Message.Descriptor.Relative()).Msg("merge failed")
			}
		}
	}()

	natural := make(chan struct{})
	go func() {
		readerWG.Wait()
		<-dispatchDone
		<-mergeDone
		close(natural)
	}()

	select {
	case <-sigCh:
		s.log.Warn().Msg("termination signal received, cancelling run")
		cancel()
		time.Sleep(cancelGracePeriod)
	case <-parent.Done():
	case <-natural:
	}

	cancel()
	snap := s.Runtime.Snapshot()
	s.log.Info().Str("snapshot", snap.String()).Msg("run finished")
	return nil
}
