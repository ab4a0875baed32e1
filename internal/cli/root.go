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

// Package cli implements the bitacross command line: running an enclave
// node, administering its registries offline and talking to a running
// node over JSON-RPC.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-bitacross/internal/config"
)

// globalConfig is rebuilt by NewRootCommand; subcommands read it through
// getConfig once flags and environment have been bound.
var globalConfig *Config

// NewRootCommand builds the command tree. Flags may also be set from the
// environment with the BITACROSS_ prefix, e.g. BITACROSS_CONFIG or
// BITACROSS_SERVER.
func NewRootCommand() *cobra.Command {
	globalConfig = NewConfig()
	v := viper.New()
	v.SetEnvPrefix("BITACROSS")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "bitacross",
		Short: "BitAcross enclave node and client",
		Long: `bitacross runs a BitAcross signing enclave and talks to running ones.

An enclave signs Ethereum and TON messages for registered relayers and
co-signs Bitcoin transactions with its peers in MuSig2 ceremonies.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return globalConfig.bind(v)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "node config file (env BITACROSS_CONFIG)")
	flags.StringP("server", "s", "", "enclave RPC address (default "+defaultServer+")")
	flags.StringP("output", "o", "text", "output format (text, json, table)")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.Bool("tls-insecure", false, "skip TLS certificate verification")
	flags.String("tls-ca", "", "CA certificate for the enclave's TLS certificate")
	flags.String("tls-cert", "", "client certificate for mutual TLS")
	flags.String("tls-key", "", "client key for mutual TLS")
	flags.Duration("timeout", defaultTimeout, "RPC timeout")
	for _, name := range []string{"config", "server", "output", "verbose", "tls-insecure", "tls-ca", "tls-cert", "tls-key", "timeout"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(),
		newKeysCmd(),
		newRelayerCmd(),
		newEnclaveCmd(),
		newSignerCmd(),
		newRPCCmd(),
		newSignCmd(),
	)
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// getConfig returns the global configuration
func getConfig() *Config {
	return globalConfig
}

// loadNodeConfig loads the node configuration named by --config. Without a
// file the defaults and BITACROSS_* overrides apply.
func loadNodeConfig() (*config.Config, error) {
	return config.Load(getConfig().ConfigFile)
}

// HandleError prints err in the selected output format and exits with code 1
func HandleError(err error) {
	format := "text"
	if globalConfig != nil {
		format = globalConfig.OutputFormat
	}
	printer := NewPrinter(format, os.Stderr)
	_ = printer.PrintError(err) // Error printing to stderr is best-effort
	os.Exit(1)
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(w io.Writer, format string, args ...interface{}) {
	if globalConfig.Verbose {
		fmt.Fprintf(w, "[VERBOSE] "+format+"\n", args...)
	}
}
