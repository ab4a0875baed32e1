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
	"context"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-bitacross/pkg/client"
)

// withClient connects to the configured enclave for the duration of fn.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), getConfig().Timeout)
	defer cancel()

	printVerbose(cmd.ErrOrStderr(), "connecting to %s", serverAddress())
	c, err := getConfig().CreateClient(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}

func serverAddress() string {
	if s := getConfig().Server; s != "" {
		return s
	}
	return defaultServer
}

func newRPCCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rpc",
		Short: "Query a running enclave",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "mrenclave",
			Short: "Print the enclave's code measurement",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					mr, err := c.Mrenclave(ctx)
					if err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintValue("mrenclave", mr.String())
				})
			},
		},
		&cobra.Command{
			Use:   "shard",
			Short: "Print the shard the enclave serves",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					shard, err := c.Shard(ctx)
					if err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintValue("shard", shard.String())
				})
			},
		},
		&cobra.Command{
			Use:   "public-keys",
			Short: "Print the enclave's public keys",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					keys, err := c.PublicKeys(ctx)
					if err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintPublicKeys(*keys)
				})
			},
		},
		&cobra.Command{
			Use:   "aggregated-key",
			Short: "Print the x-only MuSig2 key of the registered signers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					key, err := c.AggregatedPublicKey(ctx)
					if err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintValue("aggregated_public_key", hexutil.Encode(key))
				})
			},
		},
		&cobra.Command{
			Use:   "health",
			Short: "Print the enclave's readiness report",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd, func(ctx context.Context, c *client.Client) error {
					report, err := c.Health(ctx)
					if err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintHealth(report)
				})
			},
		},
	)
	return cmd
}
