// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/cheggaaa/pb/v3"
)

// watchTick is the snapshot interval described in §4.8 / watch.rs.
const watchTick = time.Second

// RenderFunc receives a RuntimeSnapshot on every watcher tick. Callers that
// want machine-readable progress (the JSON CLI mode, the HTTP/WS server)
// install one of these instead of, or in addition to, the bar renderer.
type RenderFunc func(RuntimeSnapshot)

// ProgressWatcher periodically snapshots a RuntimeContext and renders it,
// either through an interactive cheggaaa/pb bar or through an arbitrary
// RenderFunc callback (or both).
type ProgressWatcher struct {
	runtime *RuntimeContext
	render  RenderFunc
	bar     *pb.ProgressBar

	lastBytes uint64
	lastTick  time.Time
}

// barTemplate mirrors the indicatif template the Rust source's pbar crate
// uses: a fixed label, a bar, position/length, and a trailing message.
const barTemplate = `{{ "Downloading:" }} {{bar . "[" "#" "#" "-" "]" }} {{counters . }} {{string . "msg"}}`

// NewProgressWatcher builds a watcher over runtime. showBar controls
// whether an interactive cheggaaa/pb bar is rendered to stderr (the caller
// should set this to false when output isn't an interactive terminal, or
// when render alone is sufficient, e.g. the JSON CLI mode or the HTTP
// server, which has no terminal to draw to).
func NewProgressWatcher(runtime *RuntimeContext, render RenderFunc, showBar bool) *ProgressWatcher {
	w := &ProgressWatcher{runtime: runtime, render: render, lastTick: time.Now()}
	if showBar {
		w.bar = pb.ProgressBarTemplate(barTemplate).New(0)
		w.bar.SetRefreshRate(watchTick)
		w.bar.Start()
	}
	return w
}

// Run snapshots and renders once per watchTick until ctx is cancelled, then
// renders a final 100% frame and tears the bar down, matching the
// Supervisor's "render a final frame before exit" contract (§4.7).
func (w *ProgressWatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(watchTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.renderFinal()
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

func (w *ProgressWatcher) tick() {
	snap := w.runtime.Snapshot()
	now := time.Now()

	doneBytes := snap.CompletedBytes + snap.DownloadBytes
	elapsed := now.Sub(w.lastTick).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(doneBytes-w.lastBytes) / elapsed
	}
	w.lastBytes = doneBytes
	w.lastTick = now

	if w.render != nil {
		w.render(snap)
	}
	if w.bar != nil {
		w.bar.SetTotal(int64(snap.RequireBytes))
		w.bar.SetCurrent(int64(doneBytes))
		w.bar.Set("msg", formatWatchLine(snap, speed))
	}
}

func (w *ProgressWatcher) renderFinal() {
	snap := w.runtime.Snapshot()
	if w.render != nil {
		w.render(snap)
	}
	if w.bar != nil {
		w.bar.SetTotal(int64(snap.RequireBytes))
		w.bar.SetCurrent(int64(snap.RequireBytes))
		w.bar.Set("msg", formatWatchLine(snap, 0))
		w.bar.Finish()
	}
}

// formatWatchLine renders the trailing status message the way the Rust
// pbar crate's format() helper does: downloaded/required, percent, speed.
func formatWatchLine(s RuntimeSnapshot, bytesPerSecond float64) string {
	return fmt.Sprintf(
		"| %s/%s | %.2f%% | %s/s | fail=%d skip=%d",
		humanBytes(int64(s.CompletedBytes+s.DownloadBytes)),
		humanBytes(int64(s.RequireBytes)),
		s.DownloadPercent()*100,
		humanBytes(int64(bytesPerSecond)),
		s.UncompletedCount,
		s.DownloadCount,
	)
}
