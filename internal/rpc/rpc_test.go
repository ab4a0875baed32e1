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

package rpc_test

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-bitacross/internal/rpc"
	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/ceremony"
	"github.com/jeremyhahn/go-bitacross/pkg/client"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/enclave"
	"github.com/jeremyhahn/go-bitacross/pkg/handler"
	"github.com/jeremyhahn/go-bitacross/pkg/health"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/jsonrpc"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	keymocks "github.com/jeremyhahn/go-bitacross/pkg/keyrepo/mocks"
	"github.com/jeremyhahn/go-bitacross/pkg/peers"
	"github.com/jeremyhahn/go-bitacross/pkg/ratelimit"
	regmocks "github.com/jeremyhahn/go-bitacross/pkg/registry/mocks"
)

var (
	testMrenclave = directcall.Mrenclave{0x6d}
	testShard     = directcall.Shard{0x73}
)

type staticKeys keyrepo.PublicKeys

func (k staticKeys) PublicKeys() keyrepo.PublicKeys { return keyrepo.PublicKeys(k) }

type node struct {
	signer  identity.Signer
	account identity.Address32
	btcKey  *btcec.PrivateKey
	ethKey  *ecdsa.PrivateKey
	ectx    *enclave.Context
	http    *httptest.Server
	url     string
}

type network struct {
	relayer  identity.Signer
	relayers *regmocks.MockRelayers
	enclaves *regmocks.MockEnclaves
	signers  *regmocks.MockSigners
	nodes    []*node
}

// newNetwork starts size enclaves, each behind its own RPC server, that
// reach each other through peer broadcasters.
func newNetwork(t *testing.T, size int, limit *ratelimit.Config) *network {
	t.Helper()
	_, relayerKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	net := &network{
		relayer:  identity.NewEd25519Signer(relayerKey),
		enclaves: regmocks.NewMockEnclaves(),
		signers:  regmocks.NewMockSigners(),
	}
	net.relayers = regmocks.NewMockRelayers(net.relayer.Identity())

	for i := 0; i < size; i++ {
		_, key, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		n := &node{signer: identity.NewEd25519Signer(key)}
		n.account, err = n.signer.Identity().Address32()
		require.NoError(t, err)
		n.btcKey, err = btcec.NewPrivateKey()
		require.NoError(t, err)
		n.ethKey, err = crypto.GenerateKey()
		require.NoError(t, err)
		net.signers.Add(n.account, n.btcKey.PubKey())
		net.nodes = append(net.nodes, n)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	for _, n := range net.nodes {
		bc, err := peers.New(peers.Config{}, n.signer, testMrenclave, testShard, net.enclaves, nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = bc.Close() })

		_, tonKey, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		n.ectx, err = enclave.NewContext(enclave.Config{
			Mrenclave: testMrenclave,
			Shard:     testShard,
			Identity:  n.signer.Identity(),
			Ceremony:  ceremony.Config{MinSigners: size},
			Relayers:  net.relayers,
			Enclaves:  net.enclaves,
			Signers:   net.signers,
			Keys: enclave.Keys{
				Bitcoin:  &keymocks.MockRepository[*btcec.PrivateKey]{Key: n.btcKey},
				Ethereum: &keymocks.MockRepository[*ecdsa.PrivateKey]{Key: n.ethKey},
				Ton:      &keymocks.MockRepository[ed25519.PrivateKey]{Key: tonKey},
			},
			Broadcaster: bc,
		})
		require.NoError(t, err)

		processor := enclave.NewProcessor(n.ectx, time.Hour, nil)
		go func() { _ = processor.Run(ctx) }()

		checker := health.NewChecker()
		checker.RegisterCheck("processor", health.ErrorCheck("processor", func(context.Context) error {
			return processor.Healthy()
		}))
		checker.MarkStarted()

		srv, err := rpc.NewServer(&rpc.Config{Logger: logger.Discard(), RateLimit: limit}, n.ectx,
			staticKeys{Bitcoin: n.btcKey.PubKey().SerializeCompressed()}, checker)
		require.NoError(t, err)
		n.http = httptest.NewServer(srv.Handler())
		t.Cleanup(n.http.Close)
		n.url = "ws" + strings.TrimPrefix(n.http.URL, "http") + "/ws"
		net.enclaves.Add(n.account, n.url)

		require.Eventually(t, func() bool { return processor.Healthy() == nil }, time.Second, 5*time.Millisecond)
	}
	return net
}

func dial(t *testing.T, url string) *client.Client {
	t.Helper()
	c, err := client.NewFromURL(url)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func signed(t *testing.T, signer identity.Signer, call directcall.Call) *directcall.Signed {
	t.Helper()
	s, err := directcall.Sign(call, signer, testMrenclave, testShard)
	require.NoError(t, err)
	return s
}

func ctxTimeout(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestSubmitRequest_SignEthereum(t *testing.T) {
	net := newNetwork(t, 3, nil)
	n := net.nodes[0]
	c := dial(t, n.url)

	aesKey := [32]byte{0x01}
	msg := [32]byte{0x0a}
	value, err := c.SubmitRequest(ctxTimeout(t), testShard,
		signed(t, net.relayer, directcall.SignEthereum{From: net.relayer.Identity(), Key: aesKey, Message: msg}), nil)
	require.NoError(t, err)
	require.Equal(t, connection.KindOk, value.Status.Kind)

	out, err := directcall.DecodeAesOutput(value.Value)
	require.NoError(t, err)
	sig, err := directcall.Open(aesKey, out)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	pub, err := crypto.SigToPub(msg[:], sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(n.ethKey.PublicKey), crypto.PubkeyToAddress(*pub))
	assert.Equal(t, 0, n.ectx.Registry.Len())
}

func TestSubmitRequest_ErrorsTravelInReturnValue(t *testing.T) {
	net := newNetwork(t, 3, nil)
	c := dial(t, net.nodes[0].url)

	_, strangerKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	stranger := identity.NewEd25519Signer(strangerKey)

	value, err := c.SubmitRequest(ctxTimeout(t), testShard,
		signed(t, stranger, directcall.SignTon{From: stranger.Identity(), Message: []byte("x")}), nil)
	require.NoError(t, err)
	assert.Equal(t, connection.KindError, value.Status.Kind)
	assert.Equal(t, handler.CodeInvalidSigner.Bytes(), []byte(value.Value))
}

func TestSubmitRequest_ThreePartyCeremony(t *testing.T) {
	net := newNetwork(t, 3, nil)
	c := dial(t, net.nodes[1].url)

	aesKey := [32]byte{0xa5}
	payload := directcall.Derived([32]byte{0xd1})
	var updates []connection.ReturnValue
	value, err := c.SubmitRequest(ctxTimeout(t), testShard,
		signed(t, net.relayer, directcall.SignBitcoin{From: net.relayer.Identity(), Key: aesKey, Payload: payload}),
		func(v connection.ReturnValue) { updates = append(updates, v) })
	require.NoError(t, err)
	require.Equal(t, connection.KindOk, value.Status.Kind, "value: %s", value.Value)

	require.NotEmpty(t, updates)
	assert.Equal(t, connection.Processing(connection.Hash(payload.CeremonyID())), updates[0].Status)

	out, err := directcall.DecodeAesOutput(value.Value)
	require.NoError(t, err)
	raw, err := directcall.Open(aesKey, out)
	require.NoError(t, err)
	sig, err := schnorr.ParseSignature(raw)
	require.NoError(t, err)

	aggregated, err := c.AggregatedPublicKey(ctxTimeout(t))
	require.NoError(t, err)
	key, err := schnorr.ParsePubKey(aggregated)
	require.NoError(t, err)
	assert.True(t, sig.Verify(payload.Message[:], key))
}

func TestSubmitCeremonyRound(t *testing.T) {
	net := newNetwork(t, 3, nil)
	n := net.nodes[0]
	c := dial(t, n.url)
	payload := directcall.Derived([32]byte{0x99})

	peer := net.nodes[1]
	value, err := c.SubmitCeremonyRound(ctxTimeout(t), testShard,
		signed(t, peer.signer, directcall.KillCeremony{From: peer.signer.Identity(), Payload: payload}))
	require.NoError(t, err)
	assert.Equal(t, connection.KindOk, value.Status.Kind)

	// Relayers are not enclaves.
	value, err = c.SubmitCeremonyRound(ctxTimeout(t), testShard,
		signed(t, net.relayer, directcall.KillCeremony{From: net.relayer.Identity(), Payload: payload}))
	require.NoError(t, err)
	assert.Equal(t, connection.KindError, value.Status.Kind)
	assert.Equal(t, handler.CodeInvalidSigner.Bytes(), []byte(value.Value))
}

func TestQueries(t *testing.T) {
	net := newNetwork(t, 2, nil)
	n := net.nodes[0]
	c := dial(t, n.url)
	ctx := ctxTimeout(t)

	shard, err := c.Shard(ctx)
	require.NoError(t, err)
	assert.Equal(t, testShard, shard)

	mr, err := c.Mrenclave(ctx)
	require.NoError(t, err)
	assert.Equal(t, testMrenclave, mr)

	keys, err := c.PublicKeys(ctx)
	require.NoError(t, err)
	assert.Equal(t, n.btcKey.PubKey().SerializeCompressed(), []byte(keys.Bitcoin))

	report, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StatusHealthy, report.Status)
	assert.True(t, report.Started)
}

func TestProtocolErrors(t *testing.T) {
	net := newNetwork(t, 2, nil)
	c := dial(t, net.nodes[0].url)
	ctx := ctxTimeout(t)

	var rpcErr *jsonrpc.Error
	_, err := c.Call(ctx, "bitacross_nope")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, rpcErr.Code)

	_, err = c.Call(ctx, jsonrpc.MethodSubmitRequest, "0x00")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)

	_, err = c.Call(ctx, jsonrpc.MethodSubmitRequest, testShard.String(), "not hex")
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
}

func TestParseErrorAndVersion(t *testing.T) {
	net := newNetwork(t, 2, nil)
	ws, _, err := websocket.DefaultDialer.Dial(net.nodes[0].url, nil)
	require.NoError(t, err)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var resp jsonrpc.Response
	require.NoError(t, ws.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeParseError, resp.Error.Code)

	require.NoError(t, ws.WriteJSON(map[string]any{"jsonrpc": "1.0", "method": jsonrpc.MethodHealth, "id": 7}))
	resp = jsonrpc.Response{}
	require.NoError(t, ws.ReadJSON(&resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInvalidRequest, resp.Error.Code)
	assert.Equal(t, json.RawMessage("7"), resp.ID)
}

func TestRateLimit(t *testing.T) {
	net := newNetwork(t, 2, &ratelimit.Config{Enabled: true, RequestsPerSecond: 0.001, Burst: 2})
	// The upgrade takes the first token.
	c := dial(t, net.nodes[0].url)
	ctx := ctxTimeout(t)

	_, err := c.Shard(ctx)
	require.NoError(t, err)

	_, err = c.Shard(ctx)
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, jsonrpc.CodeRateLimited, rpcErr.Code)

	// A new connection from the same client is refused at the upgrade.
	other, err := client.NewFromURL(net.nodes[0].url)
	require.NoError(t, err)
	assert.Error(t, other.Connect(ctx))
}

func TestDisconnectWithdrawsWatchedHashes(t *testing.T) {
	net := newNetwork(t, 3, nil)
	n := net.nodes[0]
	// Peers are unreachable so the ceremony stays open.
	for _, other := range net.nodes[1:] {
		other.http.Close()
	}
	c := dial(t, n.url)

	payload := directcall.Derived([32]byte{0x42})
	go func() {
		_, _ = c.SubmitRequest(context.Background(), testShard,
			signed(t, net.relayer, directcall.SignBitcoin{From: net.relayer.Identity(), Payload: payload}), nil)
	}()
	id := connection.Hash(payload.CeremonyID())
	require.Eventually(t, func() bool { return n.ectx.Registry.Contains(id) }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return n.ectx.Registry.Len() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestHTTPEndpoints(t *testing.T) {
	net := newNetwork(t, 2, nil)
	base := net.nodes[0].http.URL

	for _, path := range []string{"/health/live", "/health/ready", "/health/startup", "/metrics"} {
		resp, err := http.Get(base + path)
		require.NoError(t, err, path)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
		assert.NotEmpty(t, resp.Header.Get("X-Correlation-ID"), path)
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := rpc.NewServer(nil, nil, nil, nil)
	assert.Error(t, err)
	_, err = rpc.NewServer(&rpc.Config{}, nil, staticKeys{}, nil)
	assert.Error(t, err)
}
