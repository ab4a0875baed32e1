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
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jeremyhahn/go-bitacross/pkg/client"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
)

// ErrRequestFailed wraps the error code an enclave returned for a request.
var ErrRequestFailed = errors.New("request failed")

type signOptions struct {
	v       *viper.Viper
	keyType string
	aesKey  string
	shard   string
}

func newSignCmd() *cobra.Command {
	opts := &signOptions{v: viper.New()}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Ask an enclave to sign as a registered relayer",
		Long: `Ask an enclave to sign as a registered relayer.

The relayer key is a hex private key given with --key or BITACROSS_RELAYER_KEY.
The signature comes back encrypted under --aes-key, which defaults to a fresh
random key, and is printed decrypted.`,
	}

	flags := cmd.PersistentFlags()
	flags.String("key", "", "relayer private key hex (env BITACROSS_RELAYER_KEY)")
	flags.StringVar(&opts.keyType, "key-type", "substrate", "relayer key type (substrate, evm, bitcoin)")
	flags.StringVar(&opts.aesKey, "aes-key", "", "32-byte hex key the result is encrypted under")
	flags.StringVar(&opts.shard, "shard", "", "target shard hex (default: ask the enclave)")
	_ = opts.v.BindPFlag("key", flags.Lookup("key"))
	_ = opts.v.BindEnv("key", "BITACROSS_RELAYER_KEY")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "ethereum <32-byte-digest>",
			Short: "Sign a prehashed Ethereum message",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				digest, err := parseHex32(args[0])
				if err != nil {
					return fmt.Errorf("digest: %w", err)
				}
				return opts.run(cmd, func(from identity.Identity, key [32]byte) directcall.Call {
					return directcall.SignEthereum{From: from, Key: key, Message: digest}
				})
			},
		},
		&cobra.Command{
			Use:   "ton <message-hex>",
			Short: "Sign a TON message",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				msg, err := hexutil.Decode(ensure0x(args[0]))
				if err != nil {
					return fmt.Errorf("message: %w", err)
				}
				return opts.run(cmd, func(from identity.Identity, key [32]byte) directcall.Call {
					return directcall.SignTon{From: from, Key: key, Message: msg}
				})
			},
		},
		newSignBitcoinCmd(opts),
		&cobra.Command{
			Use:   "check",
			Short: "Run a test ceremony over a fixed payload",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return opts.run(cmd, func(from identity.Identity, key [32]byte) directcall.Call {
					return directcall.CheckSignBitcoin{From: from, Key: key}
				})
			},
		},
	)
	return cmd
}

func newSignBitcoinCmd(opts *signOptions) *cobra.Command {
	var mode, merkleRoot string
	var tweaks []string
	cmd := &cobra.Command{
		Use:   "bitcoin <32-byte-sighash>",
		Short: "Co-sign a Bitcoin sighash in a MuSig2 ceremony",
		Long: `Co-sign a Bitcoin sighash in a MuSig2 ceremony.

Modes:
  derived                the untweaked aggregate key
  taproot-unspendable    BIP-86 tweak, no script path
  taproot-spendable      taproot tweak for --merkle-root
  tweaks                 explicit --tweak list, each hex[:xonly]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := parseHex32(args[0])
			if err != nil {
				return fmt.Errorf("sighash: %w", err)
			}
			payload, err := bitcoinPayload(mode, msg, merkleRoot, tweaks)
			if err != nil {
				return err
			}
			return opts.run(cmd, func(from identity.Identity, key [32]byte) directcall.Call {
				return directcall.SignBitcoin{From: from, Key: key, Payload: payload}
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "derived", "payload mode (derived, taproot-unspendable, taproot-spendable, tweaks)")
	cmd.Flags().StringVar(&merkleRoot, "merkle-root", "", "script tree merkle root for taproot-spendable")
	cmd.Flags().StringArrayVar(&tweaks, "tweak", nil, "tweak hex, suffix :xonly for an x-only tweak (repeatable)")
	return cmd
}

func bitcoinPayload(mode string, msg [32]byte, merkleRoot string, tweaks []string) (directcall.SignBitcoinPayload, error) {
	var payload directcall.SignBitcoinPayload
	switch mode {
	case "derived":
		payload = directcall.Derived(msg)
	case "taproot-unspendable":
		payload = directcall.TaprootUnspendable(msg)
	case "taproot-spendable":
		root, err := parseHex32(merkleRoot)
		if err != nil {
			return payload, fmt.Errorf("merkle root: %w", err)
		}
		payload = directcall.TaprootSpendable(msg, root)
	case "tweaks":
		list := make([]directcall.Tweak, 0, len(tweaks))
		for _, t := range tweaks {
			value, flag, _ := strings.Cut(t, ":")
			raw, err := parseHex32(value)
			if err != nil {
				return payload, fmt.Errorf("tweak %q: %w", t, err)
			}
			list = append(list, directcall.Tweak{Tweak: raw, IsXOnly: flag == "xonly"})
		}
		payload = directcall.WithTweaks(msg, list)
	default:
		return payload, fmt.Errorf("unknown mode: %s", mode)
	}
	return payload, payload.Validate()
}

// run signs the call built by build and submits it, printing progress in
// verbose mode and the decrypted signature at the end.
func (o *signOptions) run(cmd *cobra.Command, build func(from identity.Identity, key [32]byte) directcall.Call) error {
	signer, err := relayerSigner(o.keyType, o.v.GetString("key"))
	if err != nil {
		return err
	}
	aesKey, err := o.resultKey()
	if err != nil {
		return err
	}

	return withClient(cmd, func(ctx context.Context, c *client.Client) error {
		mrenclave, err := c.Mrenclave(ctx)
		if err != nil {
			return err
		}
		shard, err := o.targetShard(ctx, c)
		if err != nil {
			return err
		}
		signed, err := directcall.Sign(build(signer.Identity(), aesKey), signer, mrenclave, shard)
		if err != nil {
			return err
		}

		value, err := c.SubmitRequest(ctx, shard, signed, func(v connection.ReturnValue) {
			printVerbose(cmd.ErrOrStderr(), "status: %s", v.Status.Kind)
		})
		if err != nil {
			return err
		}
		if value.Status.Kind == connection.KindError {
			return fmt.Errorf("%w: %s", ErrRequestFailed, string(value.Value))
		}
		out, err := directcall.DecodeAesOutput(value.Value)
		if err != nil {
			return err
		}
		sig, err := directcall.Open(aesKey, out)
		if err != nil {
			return fmt.Errorf("failed to decrypt result: %w", err)
		}
		return NewPrinter(getConfig().OutputFormat, cmd.OutOrStdout()).PrintValue("signature", hexutil.Encode(sig))
	})
}

func (o *signOptions) resultKey() ([32]byte, error) {
	if o.aesKey != "" {
		key, err := parseHex32(o.aesKey)
		if err != nil {
			return key, fmt.Errorf("aes key: %w", err)
		}
		return key, nil
	}
	var key [32]byte
	_, err := rand.Read(key[:])
	return key, err
}

func (o *signOptions) targetShard(ctx context.Context, c *client.Client) (directcall.Shard, error) {
	if o.shard != "" {
		return directcall.ParseShard(o.shard)
	}
	return c.Shard(ctx)
}

// relayerSigner decodes a hex private key of the given identity type.
func relayerSigner(keyType, keyHex string) (identity.Signer, error) {
	if keyHex == "" {
		return nil, fmt.Errorf("relayer key is required (--key or BITACROSS_RELAYER_KEY)")
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid key hex: %w", err)
	}
	switch keyType {
	case "substrate":
		switch len(raw) {
		case ed25519.SeedSize:
			return identity.NewEd25519Signer(ed25519.NewKeyFromSeed(raw)), nil
		case ed25519.PrivateKeySize:
			return identity.NewEd25519Signer(ed25519.PrivateKey(raw)), nil
		default:
			return nil, fmt.Errorf("ed25519 key must be %d or %d bytes, got %d", ed25519.SeedSize, ed25519.PrivateKeySize, len(raw))
		}
	case "evm":
		key, err := crypto.ToECDSA(raw)
		if err != nil {
			return nil, err
		}
		return identity.NewEvmSigner(key), nil
	case "bitcoin":
		if len(raw) != btcec.PrivKeyBytesLen {
			return nil, fmt.Errorf("secp256k1 key must be %d bytes, got %d", btcec.PrivKeyBytesLen, len(raw))
		}
		key, _ := btcec.PrivKeyFromBytes(raw)
		return identity.NewBitcoinSigner(key), nil
	default:
		return nil, fmt.Errorf("unknown key type: %s", keyType)
	}
}

func parseHex32(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return out, err
	}
	if len(raw) != len(out) {
		return out, fmt.Errorf("want %d bytes, got %d", len(out), len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

func ensure0x(s string) string {
	if strings.HasPrefix(s, "0x") {
		return s
	}
	return "0x" + s
}
