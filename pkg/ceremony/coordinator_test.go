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

package ceremony_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcec/v2/schnorr/musig2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-bitacross/pkg/ceremony"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	connmocks "github.com/jeremyhahn/go-bitacross/pkg/connection/mocks"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/handler"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	keymocks "github.com/jeremyhahn/go-bitacross/pkg/keyrepo/mocks"
	regmocks "github.com/jeremyhahn/go-bitacross/pkg/registry/mocks"
)

type node struct {
	account   identity.Address32
	key       *btcec.PrivateKey
	coord     *ceremony.Coordinator
	responder *connection.Responder
}

type message struct {
	from identity.Address32
	call directcall.CeremonyRoundCall
}

// network routes broadcasts between in-process coordinators. Messages are
// queued and delivered by pump so no coordinator is re-entered.
type network struct {
	t        *testing.T
	nodes    []*node
	enclaves *regmocks.MockEnclaves
	queue    []message
	held     []message
	errs     []error

	// hold, if set, defers matching deliveries until release.
	hold func(from, to identity.Address32, call directcall.CeremonyRoundCall) bool
}

type nodeBroadcaster struct {
	net  *network
	from identity.Address32
}

func (b nodeBroadcaster) Broadcast(call directcall.CeremonyRoundCall) {
	b.net.queue = append(b.net.queue, message{from: b.from, call: call})
}

func newNetwork(t *testing.T, size int, opts ...ceremony.Option) *network {
	t.Helper()
	net := &network{t: t, enclaves: regmocks.NewMockEnclaves()}
	signers := regmocks.NewMockSigners()

	for i := 0; i < size; i++ {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		self := identity.Substrate(pub)
		account, err := self.Address32()
		require.NoError(t, err)
		key, err := btcec.NewPrivateKey()
		require.NoError(t, err)

		signers.Add(account, key.PubKey())
		net.enclaves.Add(account, "ws://enclave")
		n := &node{
			account:   account,
			key:       key,
			responder: connection.NewResponder(connection.NewRegistry(), nil),
		}
		n.coord, err = ceremony.New(
			ceremony.Config{MinSigners: size},
			self,
			&keymocks.MockRepository[*btcec.PrivateKey]{Key: key},
			signers,
			n.responder,
			nodeBroadcaster{net: net, from: account},
			nil,
			opts...,
		)
		require.NoError(t, err)
		net.nodes = append(net.nodes, n)
	}
	return net
}

func (net *network) pump() {
	for len(net.queue) > 0 {
		m := net.queue[0]
		net.queue = net.queue[1:]
		for _, n := range net.nodes {
			if n.account == m.from {
				continue
			}
			if net.hold != nil && net.hold(m.from, n.account, m.call) {
				net.held = append(net.held, message{from: m.from, call: m.call})
				continue
			}
			net.deliver(n, m.call)
		}
	}
}

// release delivers held messages to the node they were held for, in order.
func (net *network) release(to *node) {
	held := net.held
	net.held = nil
	net.hold = nil
	for _, m := range held {
		net.deliver(to, m.call)
		net.pump()
	}
}

func (net *network) deliver(n *node, call directcall.CeremonyRoundCall) {
	out, err := handler.Handle(call, handler.Dependencies{Enclaves: net.enclaves})
	require.NoError(net.t, err)
	cmd := *out.Command
	switch cmd.Kind {
	case handler.CommandNonce:
		err = n.coord.OnNonceShare(cmd)
	case handler.CommandPartialSignature:
		err = n.coord.OnPartialSignature(cmd)
	case handler.CommandKill:
		err = n.coord.OnKill(cmd)
	}
	if err != nil {
		net.errs = append(net.errs, err)
	}
}

func (net *network) pubKeys() []*btcec.PublicKey {
	keys := make([]*btcec.PublicKey, len(net.nodes))
	for i, n := range net.nodes {
		keys[i] = n.key.PubKey()
	}
	return keys
}

// attach registers a waiting client on n under the ceremony id.
func attach(t *testing.T, n *node, cmd handler.Command) *connmocks.Connection {
	t.Helper()
	conn := connmocks.NewConnection()
	require.NoError(t, n.coord.Init(cmd))
	require.NoError(t, n.responder.Registry().Store(connection.Hash(cmd.ID), conn, connection.ReturnValue{}, true))
	return conn
}

func initCommand(payload directcall.SignBitcoinPayload, key [32]byte) handler.Command {
	return handler.Command{
		Kind:    handler.CommandInit,
		ID:      payload.CeremonyID(),
		Payload: payload,
		AESKey:  key,
	}
}

func roundCommand(kind handler.CommandKind, payload directcall.SignBitcoinPayload, from identity.Address32) handler.Command {
	return handler.Command{Kind: kind, ID: payload.CeremonyID(), Payload: payload, Contributor: from}
}

func decryptSignature(t *testing.T, aesKey [32]byte, push connmocks.Push) *schnorr.Signature {
	t.Helper()
	require.Equal(t, connection.KindOk, push.Value.Status.Kind)
	out, err := directcall.DecodeAesOutput(push.Value.Value)
	require.NoError(t, err)
	raw, err := directcall.Open(aesKey, out)
	require.NoError(t, err)
	require.Len(t, raw, 64)
	sig, err := schnorr.ParseSignature(raw)
	require.NoError(t, err)
	return sig
}

func TestCoordinator_ThreePartySigning(t *testing.T) {
	msg := [32]byte{0xde, 0xad, 0xbe, 0xef}
	tests := []struct {
		name    string
		payload directcall.SignBitcoinPayload
		key     func(keys []*btcec.PublicKey) *btcec.PublicKey
	}{
		{
			name:    "derived",
			payload: directcall.Derived(msg),
			key: func(keys []*btcec.PublicKey) *btcec.PublicKey {
				agg, err := ceremony.AggregatedKey(keys)
				require.NoError(t, err)
				return agg
			},
		},
		{
			name:    "bip86",
			payload: directcall.TaprootUnspendable(msg),
			key: func(keys []*btcec.PublicKey) *btcec.PublicKey {
				agg, _, _, err := musig2.AggregateKeys(keys, true, musig2.WithBIP86KeyTweak())
				require.NoError(t, err)
				return agg.FinalKey
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newNetwork(t, 3)
			aesKey := [32]byte{0x42}
			conn := attach(t, net.nodes[0], initCommand(tt.payload, aesKey))

			net.pump()
			require.Empty(t, net.errs)

			pushes := conn.Pushes()
			require.Len(t, pushes, 2)
			assert.Equal(t, connection.OperationStatusOf(connection.Ready, connection.Hash(tt.payload.CeremonyID())), pushes[0].Value.Status)
			assert.True(t, pushes[0].Value.DoWatch)
			assert.False(t, pushes[1].Value.DoWatch)

			sig := decryptSignature(t, aesKey, pushes[1])
			assert.True(t, sig.Verify(msg[:], tt.key(net.pubKeys())))

			for _, n := range net.nodes {
				assert.Zero(t, n.coord.Active())
			}
			assert.False(t, net.nodes[0].responder.Registry().Contains(connection.Hash(tt.payload.CeremonyID())))
		})
	}
}

func TestCoordinator_CheckRun(t *testing.T) {
	net := newNetwork(t, 3)
	payload := directcall.CheckRunPayload()
	cmd := initCommand(payload, [32]byte{})
	cmd.CheckRun = true
	conn := attach(t, net.nodes[1], cmd)

	net.pump()
	require.Empty(t, net.errs)

	last, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, connection.KindOk, last.Value.Status.Kind)
	assert.Empty(t, last.Value.Value)
}

func TestCoordinator_RepeatedPayloadSignsAgain(t *testing.T) {
	net := newNetwork(t, 3)
	payload := directcall.CheckRunPayload()

	for run := 0; run < 2; run++ {
		cmd := initCommand(payload, [32]byte{})
		cmd.CheckRun = true
		conn := attach(t, net.nodes[1], cmd)

		net.pump()
		require.Empty(t, net.errs, "run %d", run)

		last, ok := conn.Last()
		require.True(t, ok, "run %d", run)
		assert.Equal(t, connection.KindOk, last.Value.Status.Kind)
		for _, n := range net.nodes {
			assert.Zero(t, n.coord.Active())
		}
	}
}

func TestCoordinator_RejectedNonceCreatesNothing(t *testing.T) {
	tests := []struct {
		name  string
		nonce func(net *network) handler.Command
		err   error
	}{
		{
			name: "unknown contributor",
			nonce: func(net *network) handler.Command {
				key, err := btcec.NewPrivateKey()
				require.NoError(t, err)
				cmd := roundCommand(handler.CommandNonce, directcall.Derived([32]byte{10}), identity.Address32{0xff})
				cmd.Nonce = publicNonce(t, net, key)
				return cmd
			},
			err: ceremony.ErrUnknownContributor,
		},
		{
			name: "own account",
			nonce: func(net *network) handler.Command {
				cmd := roundCommand(handler.CommandNonce, directcall.Derived([32]byte{11}), net.nodes[0].account)
				cmd.Nonce = publicNonce(t, net, net.nodes[0].key)
				return cmd
			},
			err: ceremony.ErrUnknownContributor,
		},
		{
			name: "malformed nonce",
			nonce: func(net *network) handler.Command {
				return roundCommand(handler.CommandNonce, directcall.Derived([32]byte{12}), net.nodes[1].account)
			},
			err: ceremony.ErrInvalidNonce,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := newNetwork(t, 3)
			a := net.nodes[0]

			assert.ErrorIs(t, a.coord.OnNonceShare(tt.nonce(net)), tt.err)
			assert.Zero(t, a.coord.Active())
			assert.Empty(t, net.queue)
		})
	}
}

func TestCoordinator_MalformedNonceLeavesCeremonyUsable(t *testing.T) {
	net := newNetwork(t, 3)
	a, b := net.nodes[0], net.nodes[1]
	payload := directcall.Derived([32]byte{13})
	aesKey := [32]byte{2}
	conn := attach(t, a, initCommand(payload, aesKey))

	// Registered ceremonies have left Created.
	state, ok := a.coord.State(payload.CeremonyID())
	require.True(t, ok)
	assert.Equal(t, ceremony.CollectingNonces, state)

	bad := roundCommand(handler.CommandNonce, payload, b.account)
	assert.ErrorIs(t, a.coord.OnNonceShare(bad), ceremony.ErrInvalidNonce)

	net.pump()
	require.Empty(t, net.errs)

	last, ok := conn.Last()
	require.True(t, ok)
	sig := decryptSignature(t, aesKey, last)
	agg, err := ceremony.AggregatedKey(net.pubKeys())
	require.NoError(t, err)
	assert.True(t, sig.Verify(payload.Message[:], agg))
}

func TestCoordinator_EarlyPartialSignatureIsReplayed(t *testing.T) {
	net := newNetwork(t, 3)
	a, c := net.nodes[0], net.nodes[2]
	net.hold = func(from, to identity.Address32, _ directcall.CeremonyRoundCall) bool {
		return from == c.account && to == a.account
	}

	payload := directcall.Derived([32]byte{9})
	aesKey := [32]byte{1}
	conn := attach(t, a, initCommand(payload, aesKey))
	net.pump()

	// B's partial arrived before A had C's nonce.
	state, ok := a.coord.State(payload.CeremonyID())
	require.True(t, ok)
	assert.Equal(t, ceremony.CollectingNonces, state)

	net.release(a)
	require.Empty(t, net.errs)

	last, ok := conn.Last()
	require.True(t, ok)
	sig := decryptSignature(t, aesKey, last)
	agg, err := ceremony.AggregatedKey(net.pubKeys())
	require.NoError(t, err)
	assert.True(t, sig.Verify(payload.Message[:], agg))
}

func TestCoordinator_DuplicateNonceIsNoOp(t *testing.T) {
	net := newNetwork(t, 3)
	a, b := net.nodes[0], net.nodes[1]
	payload := directcall.Derived([32]byte{3})

	nonceB := roundCommand(handler.CommandNonce, payload, b.account)
	nonceB.Nonce = publicNonce(t, net, b.key)
	require.NoError(t, a.coord.OnNonceShare(nonceB))

	err := a.coord.OnNonceShare(nonceB)
	assert.ErrorIs(t, err, ceremony.ErrDuplicateContribution)

	state, ok := a.coord.State(payload.CeremonyID())
	require.True(t, ok)
	assert.Equal(t, ceremony.CollectingNonces, state)
}

func TestCoordinator_RejectsContributions(t *testing.T) {
	net := newNetwork(t, 3)
	a, b := net.nodes[0], net.nodes[1]
	payload := directcall.Derived([32]byte{4})

	err := a.coord.OnPartialSignature(roundCommand(handler.CommandPartialSignature, payload, b.account))
	assert.ErrorIs(t, err, ceremony.ErrUnknownCeremony)

	attach(t, a, initCommand(payload, [32]byte{}))

	err = a.coord.OnPartialSignature(roundCommand(handler.CommandPartialSignature, payload, b.account))
	assert.ErrorIs(t, err, ceremony.ErrMissingNonce)

	stranger := roundCommand(handler.CommandNonce, payload, identity.Address32{0xff})
	assert.ErrorIs(t, a.coord.OnNonceShare(stranger), ceremony.ErrUnknownContributor)

	self := roundCommand(handler.CommandNonce, payload, a.account)
	assert.ErrorIs(t, a.coord.OnNonceShare(self), ceremony.ErrUnknownContributor)

	err = a.coord.Init(initCommand(payload, [32]byte{}))
	assert.Equal(t, handler.CodeCeremonyInProgress, handler.CodeOf(err))
}

func TestCoordinator_KillAfterNonceQuorum(t *testing.T) {
	net := newNetwork(t, 3)
	a, b := net.nodes[0], net.nodes[1]
	var partials []message
	net.hold = func(from, to identity.Address32, call directcall.CeremonyRoundCall) bool {
		if _, ok := call.(directcall.PartialSignatureShare); ok {
			if to == a.account {
				partials = append(partials, message{from: from, call: call})
			}
			return true
		}
		return false
	}

	payload := directcall.Derived([32]byte{5})
	id := payload.CeremonyID()
	conn := attach(t, a, initCommand(payload, [32]byte{}))
	net.pump()
	require.Empty(t, net.errs)

	for _, n := range net.nodes {
		state, ok := n.coord.State(id)
		require.True(t, ok)
		assert.Equal(t, ceremony.CollectingPartialSignatures, state)
	}

	require.NoError(t, a.coord.OnKill(roundCommand(handler.CommandKill, payload, b.account)))
	_, ok := a.coord.State(id)
	assert.False(t, ok)

	last, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, connection.StatusError(), last.Value.Status)
	assert.Equal(t, handler.CodeCeremonyKilled.Bytes(), []byte(last.Value.Value))

	require.NotEmpty(t, partials)
	for _, m := range partials {
		share := m.call.(directcall.PartialSignatureShare)
		cmd := roundCommand(handler.CommandPartialSignature, payload, m.from)
		cmd.Partial = share.Signature
		assert.ErrorIs(t, a.coord.OnPartialSignature(cmd), ceremony.ErrCeremonyEnded)
	}

	// A stale nonce cannot resurrect the killed ceremony.
	nonce := roundCommand(handler.CommandNonce, payload, b.account)
	assert.ErrorIs(t, a.coord.OnNonceShare(nonce), ceremony.ErrCeremonyEnded)
}

func TestCoordinator_Expire(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	net := newNetwork(t, 3, ceremony.WithClock(clock))
	a, b := net.nodes[0], net.nodes[1]

	payload := directcall.Derived([32]byte{6})
	conn := attach(t, a, initCommand(payload, [32]byte{}))

	assert.Zero(t, a.coord.Expire(now.Add(ceremony.DefaultTimeout)))
	now = now.Add(ceremony.DefaultTimeout + time.Second)
	assert.Equal(t, 1, a.coord.Expire(now))
	assert.Zero(t, a.coord.Active())

	last, ok := conn.Last()
	require.True(t, ok)
	assert.Equal(t, handler.CodeTimeout.Bytes(), []byte(last.Value.Value))

	nonceB := roundCommand(handler.CommandNonce, payload, b.account)
	nonceB.Nonce = publicNonce(t, net, b.key)
	assert.ErrorIs(t, a.coord.OnNonceShare(nonceB), ceremony.ErrCeremonyEnded)

	// Tombstones age out with the timeout.
	now = now.Add(ceremony.DefaultTimeout)
	assert.NoError(t, a.coord.OnNonceShare(nonceB))
	assert.Equal(t, 1, a.coord.Active())
}

func TestCoordinator_NotEnoughSigners(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	coord, err := ceremony.New(ceremony.Config{}, identity.Substrate(pub),
		&keymocks.MockRepository[*btcec.PrivateKey]{Key: key},
		regmocks.NewMockSigners(), connection.NewResponder(connection.NewRegistry(), nil), nil, nil)
	require.NoError(t, err)

	err = coord.Init(initCommand(directcall.Derived([32]byte{}), [32]byte{}))
	assert.Equal(t, handler.CodeSigningError, handler.CodeOf(err))
	assert.ErrorIs(t, err, ceremony.ErrNotEnoughSigners)
	assert.Zero(t, coord.Active())
}

func TestCoordinator_KeyUnavailable(t *testing.T) {
	net := newNetwork(t, 3)
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	self := identity.Substrate(pub)
	account, _ := self.Address32()

	signers := regmocks.NewMockSigners()
	for _, n := range net.nodes {
		signers.Add(n.account, n.key.PubKey())
	}
	repo := &keymocks.MockRepository[*btcec.PrivateKey]{Err: errors.New("sealed storage offline")}
	coord, err := ceremony.New(ceremony.Config{}, self, repo, signers,
		connection.NewResponder(connection.NewRegistry(), nil), nodeBroadcaster{net: net, from: account}, nil)
	require.NoError(t, err)

	payload := directcall.Derived([32]byte{8})
	err = coord.OnNonceShare(roundCommand(handler.CommandNonce, payload, net.nodes[0].account))
	assert.Error(t, err)
	assert.Equal(t, 1, repo.Calls())

	// The failed enclave tells its peers to abort.
	require.Len(t, net.queue, 1)
	assert.IsType(t, directcall.KillCeremony{}, net.queue[0].call)
}

func TestCoordinator_RequiresSubstrateIdentity(t *testing.T) {
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	_, err = ceremony.New(ceremony.Config{}, identity.Bitcoin(key.PubKey()), nil, nil, nil, nil, nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "created", ceremony.Created.String())
	assert.Equal(t, "collecting_nonces", ceremony.CollectingNonces.String())
	assert.Equal(t, "aborted", ceremony.Aborted.String())
	assert.Equal(t, "State(42)", ceremony.State(42).String())
}

// publicNonce produces a well-formed nonce for key over the network's signer set.
func publicNonce(t *testing.T, net *network, key *btcec.PrivateKey) directcall.Nonce {
	t.Helper()
	ctx, err := musig2.NewContext(key, true, musig2.WithKnownSigners(net.pubKeys()))
	require.NoError(t, err)
	session, err := ctx.NewSession()
	require.NoError(t, err)
	return directcall.Nonce(session.PublicNonce())
}
