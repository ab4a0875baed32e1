// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-bitacross.
//
// go-bitacross is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package cli

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-bitacross/internal/config"
	"github.com/jeremyhahn/go-bitacross/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run an enclave node",
		Long: `Run an enclave node until SIGINT or SIGTERM.

SIGHUP re-reads the config file and applies the log level.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadNodeConfig()
			if err != nil {
				return err
			}
			srv, err := server.New(cfg)
			if err != nil {
				return err
			}

			ctx, hup := server.SetupSignalHandler()
			path := getConfig().ConfigFile
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-hup:
						next, err := config.Load(path)
						if err == nil {
							err = srv.Reload(next)
						}
						if err != nil {
							slog.Error("Failed to reload configuration", slog.Any("error", err))
						}
					}
				}
			}()

			return srv.Run(ctx)
		},
	}
}
