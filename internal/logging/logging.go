// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package logging sets up the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"
)

// Options configures the global logger.
type Options struct {
	// LogDir, if set, gets a "rangepull.log" file added as a sink
	// alongside stderr, matching the {use_loc}/logs/*.log layout (§6).
	LogDir string
	Level  zerolog.Level
	// JSON forces structured JSON output even on an interactive terminal.
	JSON bool
}

// New builds a zerolog.Logger per opts. Console output is used on an
// interactive terminal unless JSON is forced; otherwise every record is
// plain structured JSON, suited to log aggregation.
func New(opts Options) (zerolog.Logger, error) {
	var writers []io.Writer

	if !opts.JSON && term.IsTerminal(int(os.Stderr.Fd())) {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, os.Stderr)
	}

	if opts.LogDir != "" {
		if err := os.MkdirAll(opts.LogDir, 0o755); err != nil {
			return zerolog.Logger{}, err
		}
		f, err := os.OpenFile(filepath.Join(opts.LogDir, "rangepull.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return zerolog.Logger{}, err
		}
		writers = append(writers, f)
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(opts.Level).
		With().
		Timestamp().
		Logger()

	return logger, nil
}
