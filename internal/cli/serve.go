// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"rangepull/internal/logging"
	"rangepull/internal/server"
)

func newServeCmd(ro *RootOpts) *cobra.Command {
	cfg := server.DefaultConfig()
	var origins []string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose the engine over HTTP+WebSocket (multi_download/push/wait as an API)",
		Long: `Starts an HTTP server exposing:
  POST   /api/runs           start a Supervisor run
  GET    /api/runs           list every known run
  GET    /api/runs/{id}      poll a run's runtime snapshot
  DELETE /api/runs/{id}      cancel a run
  POST   /api/runs/{id}/push push a manifest name
  GET    /api/runs/{id}/ws   stream runtime snapshots over WebSocket`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.AllowedOrigins = origins

			log, err := logging.New(logging.Options{
				LogDir: ro.LogDir,
				Level:  logLevel(ro),
				JSON:   ro.JSONOut,
			})
			if err != nil {
				return err
			}

			srv := server.New(cfg, log)

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			fmt.Printf("rangepull serve listening on %s:%d\n", cfg.Addr, cfg.Port)
			return srv.ListenAndServe(ctx)
		},
	}

	cmd.Flags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Address to bind to")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "Port to listen on")
	cmd.Flags().StringSliceVar(&origins, "allowed-origin", nil, "CORS origin to allow (repeatable); empty allows all")

	return cmd
}
