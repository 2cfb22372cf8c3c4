// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package cli wires the engine and server packages into a cobra command
// tree: a persistent root command with run/serve/config/version subcommands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"rangepull/internal/logging"
	"rangepull/pkg/engine"
)

// RootOpts holds global CLI options.
type RootOpts struct {
	JSONOut  bool
	Quiet    bool
	Verbose  bool
	Config   string
	LogDir   string
	LogLevel string
}

// Execute runs the CLI with the given version string.
func Execute(version string) error {
	ro := &RootOpts{}
	ctx, cancel := signalContext(context.Background())
	defer cancel()

	root := &cobra.Command{
		Use:           "rangepull",
		Short:         "Parallel, resumable, bandwidth-governed bulk object downloader",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	root.PersistentFlags().BoolVar(&ro.JSONOut, "json", false, "Emit machine-readable JSON progress events")
	root.PersistentFlags().BoolVarP(&ro.Quiet, "quiet", "q", false, "Quiet mode (no progress bar)")
	root.PersistentFlags().BoolVarP(&ro.Verbose, "verbose", "v", false, "Verbose logs (debug details)")
	root.PersistentFlags().StringVar(&ro.Config, "config", "", "Path to config file (JSON or YAML)")
	root.PersistentFlags().StringVar(&ro.LogDir, "log-dir", "", "Directory to write rangepull.log to, in addition to stderr (run defaults to {use-loc}/logs)")
	root.PersistentFlags().StringVar(&ro.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")

	runCmd := newRunCmd(ctx, ro)
	root.AddCommand(runCmd)
	root.AddCommand(newVersionCmd(version))
	root.AddCommand(newServeCmd(ro))
	root.AddCommand(newConfigCmd())

	root.RunE = runCmd.RunE
	root.SetHelpCommand(&cobra.Command{Use: "help", Hidden: true})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return err
	}
	return nil
}

func newRunCmd(ctx context.Context, ro *RootOpts) *cobra.Command {
	settings := engine.DefaultSettings()
	var manifests []string
	var maxBandwidthMiBps float64
	var chunkSize string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the download engine against one or more manifests",
		Long: `Starts a Supervisor, pushes the given manifest file names, and blocks
until every pushed manifest has been read and every dispatched file has
finished downloading (or the process is interrupted).`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return applySettingsDefaults(cmd, ro, &settings)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if settings.UseLoc == "" {
				return fmt.Errorf("missing --use-loc (or config \"use-loc\")")
			}
			if settings.PresignAPI == "" {
				return fmt.Errorf("missing --presign-api (or config \"presign-api\")")
			}
			settings.MaxBandwidthBytesPerSec = int64(maxBandwidthMiBps * 1024 * 1024)
			settings.ShowProgressBar = !ro.Quiet && !ro.JSONOut

			size, err := engine.ParseSize(chunkSize, engine.DefaultChunkSize)
			if err != nil {
				return fmt.Errorf("--chunk-size: %w", err)
			}
			settings.ChunkSize = size

			logDir := ro.LogDir
			if logDir == "" {
				logDir = filepath.Join(settings.UseLoc, "logs")
			}
			log, err := logging.New(logging.Options{
				LogDir: logDir,
				Level:  logLevel(ro),
				JSON:   ro.JSONOut,
			})
			if err != nil {
				return err
			}

			var render engine.RenderFunc
			if ro.JSONOut {
				render = jsonProgress(os.Stdout)
			}

			sup, err := engine.NewSupervisor(settings, log, render)
			if err != nil {
				return err
			}

			if len(manifests) == 0 {
				return fmt.Errorf("at least one --manifest is required")
			}
			for _, name := range manifests {
				sup.Push(name)
			}
			sup.Push("---end---")

			return sup.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&settings.UseLoc, "use-loc", "", "Root directory for meta/data/temp/logs (required)")
	cmd.Flags().StringVar(&settings.PresignAPI, "presign-api", "", "Presign HTTP API base URL (required)")
	cmd.Flags().StringVar(&settings.Network, "network", "prod", "Network name sent in every presign request")
	cmd.Flags().Float64Var(&maxBandwidthMiBps, "max-bandwidth-mibps", 0, "Aggregate bandwidth cap in MiB/s (0 = unlimited)")
	cmd.Flags().StringVar(&chunkSize, "chunk-size", "5MiB", "Byte range size each file is split into (e.g. 5MiB, 10MB, 1048576)")
	cmd.Flags().IntVar(&settings.MaxParallel, "max-parallel", settings.MaxParallel, "Global in-flight range-fetch parallelism")
	cmd.Flags().DurationVar(&settings.HTTPTimeout, "http-timeout", settings.HTTPTimeout, "Per-request HTTP timeout")
	cmd.Flags().DurationVar(&settings.HTTPConnectTimeout, "http-connect-timeout", settings.HTTPConnectTimeout, "HTTP dial timeout")
	cmd.Flags().StringSliceVarP(&manifests, "manifest", "m", nil, "Manifest file name to push (repeatable); the engine reads it from {use-loc}/meta")

	return cmd
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ch:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func logLevel(ro *RootOpts) zerolog.Level {
	if ro.Verbose {
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(ro.LogLevel))
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

func applySettingsDefaults(cmd *cobra.Command, ro *RootOpts, dst *engine.Settings) error {
	path := ro.Config
	if path == "" {
		home, _ := os.UserHomeDir()
		for _, candidate := range []string{"rangepull.json", "rangepull.yaml", "rangepull.yml"} {
			p := filepath.Join(home, ".config", candidate)
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path == "" {
		return nil
	}

	cfg, err := loadConfigFile(path)
	if err != nil {
		return err
	}

	setStr := func(flagName string, set func(string)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			set(fmt.Sprint(v))
		}
	}
	setInt := func(flagName string, set func(int)) {
		if cmd.Flags().Changed(flagName) {
			return
		}
		if v, ok := cfg[flagName]; ok && v != nil {
			x, _ := strconv.Atoi(fmt.Sprint(v))
			set(x)
		}
	}

	setStr("use-loc", func(v string) { dst.UseLoc = v })
	setStr("presign-api", func(v string) { dst.PresignAPI = v })
	setStr("network", func(v string) { dst.Network = v })
	setInt("max-parallel", func(v int) { dst.MaxParallel = v })

	return nil
}

// jsonProgress returns a JSON-lines RuntimeSnapshot render handler.
func jsonProgress(w io.Writer) engine.RenderFunc {
	enc := json.NewEncoder(w)
	var mu sync.Mutex
	return func(snap engine.RuntimeSnapshot) {
		mu.Lock()
		defer mu.Unlock()
		_ = enc.Encode(snap)
	}
}
