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
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-bitacross/internal/server"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
	"github.com/jeremyhahn/go-bitacross/pkg/storage"
)

const offlineNote = `
Operates directly on the node's file storage. Stop the node first; a running
node does not see the change until it restarts.`

// localStore is a stopped node's storage opened for administration.
type localStore struct {
	backend  storage.Backend
	relayers *registry.RelayerRegistry
	enclaves *registry.EnclaveRegistry
	signers  *registry.SignerRegistry
}

func openLocalStore() (*localStore, error) {
	cfg, err := loadNodeConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.Backend != "file" {
		return nil, fmt.Errorf("offline administration needs file storage, config uses %q", cfg.Storage.Backend)
	}
	backend, err := server.OpenStorage(cfg.Storage)
	if err != nil {
		return nil, err
	}
	relayers, enclaves, signers, err := server.OpenRegistries(backend)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return &localStore{backend: backend, relayers: relayers, enclaves: enclaves, signers: signers}, nil
}

func (s *localStore) Close() error {
	return s.backend.Close()
}

// withLocalStore opens the store around fn.
func withLocalStore(fn func(*localStore) error) error {
	s, err := openLocalStore()
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "Show the node's public keys, generating them on first use",
		Long:  "Show the node's public keys, generating them on first use." + offlineNote,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLocalStore(func(s *localStore) error {
				keys, err := keyrepo.Open(s.backend)
				if err != nil {
					return err
				}
				return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintPublicKeys(keys.PublicKeys())
			})
		},
	}
}

func newRelayerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relayer",
		Short: "Manage relayers allowed to request signatures",
		Long:  "Manage relayers allowed to request signatures." + offlineNote,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <type:0xkey>",
			Short: "Register a relayer identity (substrate, evm or bitcoin)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := identity.Parse(args[0])
				if err != nil {
					return err
				}
				return withLocalStore(func(s *localStore) error {
					if err := s.relayers.Update(id); err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintSuccess(fmt.Sprintf("Relayer %s registered", id))
				})
			},
		},
		&cobra.Command{
			Use:   "remove <type:0xkey>",
			Short: "Remove a relayer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				id, err := identity.Parse(args[0])
				if err != nil {
					return err
				}
				return withLocalStore(func(s *localStore) error {
					if err := s.relayers.Remove(id); err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintSuccess(fmt.Sprintf("Relayer %s removed", id))
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List relayers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalStore(func(s *localStore) error {
					var rows [][]string
					for _, id := range s.relayers.GetAll() {
						rows = append(rows, []string{id.String()})
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintList("relayers", []string{"identity"}, rows)
				})
			},
		},
	)
	return cmd
}

func newEnclaveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enclave",
		Short: "Manage peer enclaves and their worker URLs",
		Long:  "Manage peer enclaves and their worker URLs." + offlineNote,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <account> <worker-url>",
			Short: "Register or update a peer enclave",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				account, err := identity.ParseAddress32(args[0])
				if err != nil {
					return err
				}
				return withLocalStore(func(s *localStore) error {
					if err := s.enclaves.Update(account, args[1]); err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintSuccess(fmt.Sprintf("Enclave %s registered at %s", account, args[1]))
				})
			},
		},
		&cobra.Command{
			Use:   "remove <account>",
			Short: "Remove a peer enclave",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				account, err := identity.ParseAddress32(args[0])
				if err != nil {
					return err
				}
				return withLocalStore(func(s *localStore) error {
					if err := s.enclaves.Remove(account); err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintSuccess(fmt.Sprintf("Enclave %s removed", account))
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List peer enclaves",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalStore(func(s *localStore) error {
					var rows [][]string
					for _, e := range s.enclaves.GetAll() {
						rows = append(rows, []string{e.Account.String(), e.WorkerURL})
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintList("enclaves", []string{"account", "url"}, rows)
				})
			},
		},
	)
	return cmd
}

func newSignerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signer",
		Short: "Manage MuSig2 signers",
		Long:  "Manage MuSig2 signers. Every node in a ceremony needs the same signer set." + offlineNote,
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "add <account> <bitcoin-pubkey>",
			Short: "Register a signer's compressed secp256k1 key",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				account, err := identity.ParseAddress32(args[0])
				if err != nil {
					return err
				}
				raw, err := hex.DecodeString(strings.TrimPrefix(args[1], "0x"))
				if err != nil {
					return fmt.Errorf("invalid public key hex: %w", err)
				}
				pub, err := btcec.ParsePubKey(raw)
				if err != nil {
					return fmt.Errorf("invalid public key: %w", err)
				}
				return withLocalStore(func(s *localStore) error {
					if err := s.signers.Update(account, pub); err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintSuccess(fmt.Sprintf("Signer %s registered", account))
				})
			},
		},
		&cobra.Command{
			Use:   "remove <account>",
			Short: "Remove a signer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				account, err := identity.ParseAddress32(args[0])
				if err != nil {
					return err
				}
				return withLocalStore(func(s *localStore) error {
					if err := s.signers.Remove(account); err != nil {
						return err
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintSuccess(fmt.Sprintf("Signer %s removed", account))
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "List signers",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withLocalStore(func(s *localStore) error {
					var rows [][]string
					for _, sg := range s.signers.GetAll() {
						rows = append(rows, []string{sg.Account.String(), hex.EncodeToString(sg.PublicKey.SerializeCompressed())})
					}
					return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).
						PrintList("signers", []string{"account", "public_key"}, rows)
				})
			},
		},
	)
	return cmd
}
