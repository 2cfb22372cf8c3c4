// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"rangepull/pkg/engine"
)

// RunStatus is the lifecycle state of a managed run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusCancelled RunStatus = "cancelled"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one Supervisor invocation tracked by the server, the HTTP
// embodiment of the multi_download handle (§6).
type Run struct {
	ID        string    `json:"id"`
	Status    RunStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
	Error     string    `json:"error,omitempty"`

	supervisor *engine.Supervisor
	cancel     context.CancelFunc
}

// RunSnapshot is what GET /api/runs/{id} and the WebSocket stream return.
type RunSnapshot struct {
	Run      Run                   `json:"run"`
	Progress engine.RuntimeSnapshot `json:"progress"`
}

// CreateRunRequest is the POST /api/runs body (§6), mapping onto
// engine.Settings' caller-facing fields.
type CreateRunRequest struct {
	UseLoc            string  `json:"useLoc"`
	PresignAPI        string  `json:"presignAPI"`
	Network           string  `json:"network"`
	MaxBandwidthMiBps float64 `json:"maxBandwidthMiBps"`
	MaxParallel       int     `json:"maxParallel"`
}

const bytesPerMiB = 1024 * 1024

// RunManager owns every in-flight and completed Run for the process's
// lifetime; each Run wraps one Supervisor pipeline end to end.
type RunManager struct {
	mu    sync.RWMutex
	runs  map[string]*Run
	log   zerolog.Logger
	wsHub *WSHub
}

// NewRunManager builds an empty RunManager.
func NewRunManager(log zerolog.Logger, wsHub *WSHub) *RunManager {
	return &RunManager{
		runs:  make(map[string]*Run),
		log:   log.With().Str("component", "runmanager").Logger(),
		wsHub: wsHub,
	}
}

func generateID() string {
	b := make([]byte, 6)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateRun builds a Supervisor from req and starts it in the background.
func (m *RunManager) CreateRun(req CreateRunRequest) (*Run, error) {
	settings := engine.DefaultSettings()
	settings.UseLoc = req.UseLoc
	settings.PresignAPI = req.PresignAPI
	settings.Network = req.Network
	settings.MaxBandwidthBytesPerSec = int64(req.MaxBandwidthMiBps * bytesPerMiB)
	settings.ShowProgressBar = false
	if req.MaxParallel > 0 {
		settings.MaxParallel = req.MaxParallel
	}

	run := &Run{
		ID:        generateID(),
		Status:    RunStatusRunning,
		CreatedAt: time.Now(),
	}

	sup, err := engine.NewSupervisor(settings, m.log, func(snap engine.RuntimeSnapshot) {
		m.broadcast(run.ID, snap)
	})
	if err != nil {
		return nil, err
	}
	run.supervisor = sup

	ctx, cancel := context.WithCancel(context.Background())
	run.cancel = cancel

	m.mu.Lock()
	m.runs[run.ID] = run
	m.mu.Unlock()

	go m.drive(ctx, run)

	return run, nil
}

func (m *RunManager) drive(ctx context.Context, run *Run) {
	err := run.supervisor.Run(ctx)

	m.mu.Lock()
	now := time.Now()
	run.EndedAt = &now
	switch {
	case ctx.Err() != nil:
		run.Status = RunStatusCancelled
	case err != nil:
		run.Status = RunStatusFailed
		run.Error = err.Error()
	default:
		run.Status = RunStatusCompleted
	}
	m.mu.Unlock()

	m.broadcast(run.ID, run.supervisor.Runtime.Snapshot())
}

func (m *RunManager) broadcast(id string, snap engine.RuntimeSnapshot) {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	m.wsHub.BroadcastSnapshot(id, RunSnapshot{Run: *run, Progress: snap})
}

// GetRun returns the current snapshot for id.
func (m *RunManager) GetRun(id string) (RunSnapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return RunSnapshot{}, false
	}
	return RunSnapshot{Run: *run, Progress: run.supervisor.Runtime.Snapshot()}, true
}

// ListRuns returns a snapshot of every known run.
func (m *RunManager) ListRuns() []RunSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RunSnapshot, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, RunSnapshot{Run: *run, Progress: run.supervisor.Runtime.Snapshot()})
	}
	return out
}

// Push appends a manifest name to run id's ManifestList.
func (m *RunManager) Push(id, name string) bool {
	m.mu.RLock()
	run, ok := m.runs[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	run.supervisor.Push(name)
	return true
}

// CancelRun cancels a running run.
func (m *RunManager) CancelRun(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != RunStatusRunning {
		return false
	}
	run.cancel()
	return true
}
