// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// SuccessResponse represents a simple success message.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// handleHealth returns server health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// handleCreateRun starts a new Supervisor run (multi_download).
func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if req.UseLoc == "" {
		writeError(w, http.StatusBadRequest, "missing required field: useLoc", "")
		return
	}
	if req.PresignAPI == "" {
		writeError(w, http.StatusBadRequest, "missing required field: presignAPI", "")
		return
	}

	run, err := s.runs.CreateRun(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start run", err.Error())
		return
	}

	writeJSON(w, http.StatusAccepted, run)
}

// handleListRuns returns every known run with its current snapshot.
func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	runs := s.runs.ListRuns()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

// handleGetRun returns one run's current snapshot (poll-based wait).
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, ok := s.runs.GetRun(id)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleCancelRun cancels a running run.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.runs.CancelRun(id) {
		writeJSON(w, http.StatusOK, SuccessResponse{Success: true, Message: "run cancelled"})
		return
	}
	writeError(w, http.StatusNotFound, "run not found or already finished", "")
}

// handlePushManifest is the HTTP embodiment of the embedder API's push(name).
func (s *Server) handlePushManifest(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err.Error())
		return
	}
	if body.Name == "" {
		writeError(w, http.StatusBadRequest, "missing required field: name", "")
		return
	}

	if !s.runs.Push(id, body.Name) {
		writeError(w, http.StatusNotFound, "run not found", "")
		return
	}
	writeJSON(w, http.StatusAccepted, SuccessResponse{Success: true})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message, details string) {
	writeJSON(w, status, ErrorResponse{Error: message, Details: details})
}
