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

// Package ceremony runs MuSig2 signing ceremonies between enclaves.
//
// The Coordinator is owned by the serial processor and is not safe for
// concurrent use. Every participant holds its own copy of each ceremony:
// contributions arrive as round calls from peers, local contributions are
// pushed out through a Broadcaster, and the result is delivered once to the
// client waiting on the ceremony id.
package ceremony

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	lru "github.com/hashicorp/golang-lru"

	"github.com/jeremyhahn/go-bitacross/pkg/adapters/logger"
	"github.com/jeremyhahn/go-bitacross/pkg/connection"
	"github.com/jeremyhahn/go-bitacross/pkg/directcall"
	"github.com/jeremyhahn/go-bitacross/pkg/handler"
	"github.com/jeremyhahn/go-bitacross/pkg/identity"
	"github.com/jeremyhahn/go-bitacross/pkg/keyrepo"
	"github.com/jeremyhahn/go-bitacross/pkg/metrics"
	"github.com/jeremyhahn/go-bitacross/pkg/registry"
)

const (
	DefaultMinSigners    = 3
	DefaultTimeout       = 30 * time.Second
	DefaultTombstoneSize = 1024
)

// Config holds deployment parameters.
type Config struct {
	// MinSigners is the smallest participant set, own key included, a
	// ceremony may run with. Values below 2 are raised to 2.
	MinSigners int
	// Timeout is the lifetime of a ceremony and of its tombstone.
	Timeout       time.Duration
	TombstoneSize int
}

func (c *Config) setDefaults() {
	if c.MinSigners == 0 {
		c.MinSigners = DefaultMinSigners
	}
	if c.MinSigners < 2 {
		c.MinSigners = 2
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.TombstoneSize <= 0 {
		c.TombstoneSize = DefaultTombstoneSize
	}
}

// Responder delivers ceremony results to waiting clients.
type Responder interface {
	UpdateStatusEvent(hash connection.Hash, status connection.OperationStatus) error
	SendStateWithStatus(hash connection.Hash, value []byte, status connection.DirectRequestStatus) error
}

// Broadcaster sends a round call to every other enclave. It must not block
// on network I/O.
type Broadcaster interface {
	Broadcast(call directcall.CeremonyRoundCall)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// Coordinator is the table of active ceremonies.
type Coordinator struct {
	cfg         Config
	self        identity.Identity
	selfAccount identity.Address32
	key         keyrepo.Repository[*btcec.PrivateKey]
	signers     registry.SignerLookup
	responder   Responder
	broadcaster Broadcaster
	log         logger.Logger
	now         func() time.Time

	ceremonies map[directcall.CeremonyID]*ceremony
	// tombstones maps aborted ceremony ids to their end time.
	tombstones *lru.Cache
}

// New returns a Coordinator for the enclave identified by self, which must
// be the Substrate identity registered in the signer registry.
func New(
	cfg Config,
	self identity.Identity,
	key keyrepo.Repository[*btcec.PrivateKey],
	signers registry.SignerLookup,
	responder Responder,
	broadcaster Broadcaster,
	log logger.Logger,
	opts ...Option,
) (*Coordinator, error) {
	account, err := self.Address32()
	if err != nil {
		return nil, fmt.Errorf("ceremony: enclave identity: %w", err)
	}
	cfg.setDefaults()
	tombstones, err := lru.New(cfg.TombstoneSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create tombstone cache: %w", err)
	}
	if log == nil {
		log = logger.Discard()
	}
	c := &Coordinator{
		cfg:         cfg,
		self:        self,
		selfAccount: account,
		key:         key,
		signers:     signers,
		responder:   responder,
		broadcaster: broadcaster,
		log:         log.With(logger.String("component", "ceremony")),
		now:         time.Now,
		ceremonies:  make(map[directcall.CeremonyID]*ceremony),
		tombstones:  tombstones,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Init attaches a local client to the ceremony for cmd.ID, creating it if
// needed. The client's connection must be registered under the ceremony id
// before the next contribution is processed.
func (c *Coordinator) Init(cmd handler.Command) error {
	if cmd.Kind != handler.CommandInit {
		return handler.NewError(handler.CodeInternal, ErrUnexpectedRound)
	}
	cer, ok := c.ceremonies[cmd.ID]
	if ok && cer.client {
		return handler.NewError(handler.CodeCeremonyInProgress, ErrCeremonyInProgress)
	}
	if !ok {
		c.tombstones.Remove(cmd.ID)
		var err error
		cer, err = c.create(cmd.ID, cmd.Payload)
		if err != nil {
			return handler.NewError(handler.CodeSigningError, err)
		}
	}
	cer.client = true
	cer.aesKey = cmd.AESKey
	cer.checkRun = cmd.CheckRun
	c.logger(cer).Debug("client attached", logger.Bool("check_run", cmd.CheckRun))
	return nil
}

// OnNonceShare records a peer nonce. The first valid nonce for an unknown id
// creates the ceremony unless it was aborted recently.
func (c *Coordinator) OnNonceShare(cmd handler.Command) error {
	cer, ok := c.ceremonies[cmd.ID]
	if !ok {
		return c.createFromNonce(cmd)
	}
	if !cer.isPeer(cmd.Contributor) {
		return ErrUnknownContributor
	}
	if _, dup := cer.nonces[cmd.Contributor]; dup {
		return ErrDuplicateContribution
	}
	if cer.state != CollectingNonces {
		return ErrUnexpectedRound
	}

	haveAll, err := cer.addNonce(cmd.Contributor, cmd.Nonce)
	if err != nil {
		return err
	}
	c.nonceAccepted(cer, cmd.Contributor, haveAll)
	return nil
}

// createFromNonce starts a ceremony on behalf of a peer. Nothing is stored
// or broadcast unless the contributor is a signer and its nonce is accepted.
func (c *Coordinator) createFromNonce(cmd handler.Command) error {
	if c.tombstoned(cmd.ID) {
		return ErrCeremonyEnded
	}
	if cmd.Contributor == c.selfAccount || !c.signers.ContainsKey(cmd.Contributor) {
		return ErrUnknownContributor
	}
	cer, err := c.build(cmd.ID, cmd.Payload)
	if err != nil {
		c.Broadcast(directcall.KillCeremony{From: c.self, Payload: cmd.Payload})
		return err
	}
	if !cer.isPeer(cmd.Contributor) {
		return ErrUnknownContributor
	}
	haveAll, err := cer.addNonce(cmd.Contributor, cmd.Nonce)
	if err != nil {
		return err
	}
	c.start(cer)
	c.nonceAccepted(cer, cmd.Contributor, haveAll)
	return nil
}

func (c *Coordinator) nonceAccepted(cer *ceremony, from identity.Address32, haveAll bool) {
	c.logger(cer).Debug("nonce received",
		logger.Stringer("contributor", from),
		logger.Int("nonces", len(cer.nonces)+1),
		logger.Int("participants", len(cer.participants)))
	if haveAll {
		c.enterSigning(cer)
	}
}

// OnPartialSignature records a peer partial signature. Partials that arrive
// before nonce quorum are held until it is reached.
func (c *Coordinator) OnPartialSignature(cmd handler.Command) error {
	cer, ok := c.ceremonies[cmd.ID]
	if !ok {
		if c.tombstoned(cmd.ID) {
			return ErrCeremonyEnded
		}
		return ErrUnknownCeremony
	}
	if !cer.isPeer(cmd.Contributor) {
		return ErrUnknownContributor
	}
	if _, dup := cer.partials[cmd.Contributor]; dup {
		return ErrDuplicateContribution
	}
	if _, dup := cer.early[cmd.Contributor]; dup {
		return ErrDuplicateContribution
	}
	if _, ok := cer.nonces[cmd.Contributor]; !ok {
		return ErrMissingNonce
	}

	switch cer.state {
	case CollectingNonces:
		cer.early[cmd.Contributor] = cmd.Partial
		c.logger(cer).Debug("partial signature held until nonce quorum",
			logger.Stringer("contributor", cmd.Contributor))
		return nil
	case CollectingPartialSignatures:
	default:
		return ErrUnexpectedRound
	}

	haveAll, err := cer.addPartial(cmd.Contributor, cmd.Partial)
	if err != nil {
		return err
	}
	if haveAll {
		c.complete(cer)
	}
	return nil
}

// OnKill aborts the ceremony for everyone. Killing an unknown id tombstones
// it so a late nonce cannot start it.
func (c *Coordinator) OnKill(cmd handler.Command) error {
	cer, ok := c.ceremonies[cmd.ID]
	if !ok {
		c.tombstones.Add(cmd.ID, c.now())
		return nil
	}
	c.logger(cer).Info("ceremony killed", logger.Stringer("requester", cmd.Contributor))
	c.end(cer, Aborted, handler.CodeCeremonyKilled, metrics.OutcomeKilled)
	return nil
}

// Expire aborts every ceremony older than the configured timeout and returns
// how many were aborted.
func (c *Coordinator) Expire(now time.Time) int {
	var expired []*ceremony
	for _, cer := range c.ceremonies {
		if now.Sub(cer.created) > c.cfg.Timeout {
			expired = append(expired, cer)
		}
	}
	for _, cer := range expired {
		c.logger(cer).Warn("ceremony timed out", logger.Stringer("state", cer.state))
		c.end(cer, Aborted, handler.CodeTimeout, metrics.OutcomeTimeout)
	}
	return len(expired)
}

// Active returns the number of running ceremonies.
func (c *Coordinator) Active() int {
	return len(c.ceremonies)
}

// State returns the state of a running ceremony.
func (c *Coordinator) State(id directcall.CeremonyID) (State, bool) {
	cer, ok := c.ceremonies[id]
	if !ok {
		return 0, false
	}
	return cer.state, true
}

// Broadcast forwards a round call to the peers. Nil broadcasters drop it.
func (c *Coordinator) Broadcast(call directcall.CeremonyRoundCall) {
	if c.broadcaster != nil {
		c.broadcaster.Broadcast(call)
	}
}

func (c *Coordinator) create(id directcall.CeremonyID, payload directcall.SignBitcoinPayload) (*ceremony, error) {
	cer, err := c.build(id, payload)
	if err != nil {
		return nil, err
	}
	c.start(cer)
	return cer, nil
}

// build prepares a ceremony and our nonce without registering it.
func (c *Coordinator) build(id directcall.CeremonyID, payload directcall.SignBitcoinPayload) (*ceremony, error) {
	key, err := c.key.RetrieveKey()
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve bitcoin key: %w", err)
	}
	participants, err := c.participants(key.PubKey())
	if err != nil {
		return nil, err
	}
	return newCeremony(id, payload, key, c.selfAccount, participants, c.now())
}

// start registers cer and sends our nonce to the peers.
func (c *Coordinator) start(cer *ceremony) {
	cer.state = CollectingNonces
	c.ceremonies[cer.id] = cer
	metrics.RecordCeremonyStarted()
	metrics.SetActiveCeremonies(len(c.ceremonies))
	c.logger(cer).Info("ceremony started",
		logger.Int("participants", len(cer.participants)),
		logger.String("payload_kind", cer.payload.Kind.String()))

	c.Broadcast(directcall.NonceShare{From: c.self, Payload: cer.payload, Nonce: cer.localNonce()})
}

func (c *Coordinator) participants(own *btcec.PublicKey) (map[identity.Address32]*btcec.PublicKey, error) {
	out := map[identity.Address32]*btcec.PublicKey{c.selfAccount: own}
	for _, s := range c.signers.GetAll() {
		if s.Account == c.selfAccount || s.PublicKey == nil {
			continue
		}
		out[s.Account] = s.PublicKey
	}
	if len(out) < c.cfg.MinSigners {
		return nil, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughSigners, len(out), c.cfg.MinSigners)
	}
	return out, nil
}

func (c *Coordinator) enterSigning(cer *ceremony) {
	cer.state = CollectingPartialSignatures
	partial, err := cer.sign()
	if err != nil {
		c.fail(cer, err)
		return
	}
	c.Broadcast(directcall.PartialSignatureShare{From: c.self, Payload: cer.payload, Signature: partial})
	if cer.client {
		if err := c.responder.UpdateStatusEvent(connection.Hash(cer.id), connection.Ready); err != nil {
			c.logger(cer).Warn("failed to push ready status", logger.Error(err))
		}
	}

	early := make([]identity.Address32, 0, len(cer.early))
	for account := range cer.early {
		early = append(early, account)
	}
	sort.Slice(early, func(i, j int) bool {
		return string(early[i][:]) < string(early[j][:])
	})
	for _, account := range early {
		sig := cer.early[account]
		delete(cer.early, account)
		haveAll, err := cer.addPartial(account, sig)
		if err != nil {
			c.logger(cer).Warn("dropping held partial signature",
				logger.Stringer("contributor", account),
				logger.Error(err))
			continue
		}
		if haveAll {
			c.complete(cer)
			return
		}
	}
}

func (c *Coordinator) complete(cer *ceremony) {
	cer.state = Aggregating
	sig, err := cer.finalize()
	if errors.Is(err, errVerification) {
		c.logger(cer).Error("aggregate signature rejected", logger.Error(err))
		c.end(cer, Aborted, handler.CodeVerificationFailed, metrics.OutcomeFailed)
		return
	}
	if err != nil {
		c.fail(cer, err)
		return
	}
	cer.signature = sig
	c.logger(cer).Info("ceremony completed")
	c.end(cer, Completed, "", metrics.OutcomeCompleted)
}

// fail aborts a ceremony after a local error and tells the peers.
func (c *Coordinator) fail(cer *ceremony, err error) {
	c.logger(cer).Error("ceremony failed", logger.Error(err))
	c.Broadcast(directcall.KillCeremony{From: c.self, Payload: cer.payload})
	c.end(cer, Aborted, handler.CodeSigningError, metrics.OutcomeFailed)
}

// end moves cer to a terminal state, removes it and delivers the result to
// its client, if any. It runs at most once per ceremony.
func (c *Coordinator) end(cer *ceremony, state State, code handler.Code, outcome string) {
	if cer.state.terminal() {
		return
	}
	cer.state = state
	now := c.now()
	delete(c.ceremonies, cer.id)
	// Completed ceremonies have seen every nonce, so only aborted ones can
	// be revived by a late contribution.
	if state == Aborted {
		c.tombstones.Add(cer.id, now)
	}
	metrics.SetActiveCeremonies(len(c.ceremonies))
	metrics.RecordCeremonyEnded(outcome, now.Sub(cer.created).Seconds())

	if !cer.client {
		return
	}
	if state == Completed {
		c.deliverSignature(cer)
		return
	}
	c.deliver(cer, code.Bytes(), connection.StatusError())
}

func (c *Coordinator) deliverSignature(cer *ceremony) {
	if cer.checkRun {
		c.deliver(cer, nil, connection.StatusOk())
		return
	}
	sealed, err := directcall.Seal(cer.aesKey, cer.signature.Serialize(), nil)
	if err == nil {
		var value []byte
		if value, err = sealed.Encode(); err == nil {
			c.deliver(cer, value, connection.StatusOk())
			return
		}
	}
	c.logger(cer).Error("failed to encrypt signature", logger.Error(err))
	c.deliver(cer, handler.CodeSigningError.Bytes(), connection.StatusError())
}

func (c *Coordinator) deliver(cer *ceremony, value []byte, status connection.DirectRequestStatus) {
	if err := c.responder.SendStateWithStatus(connection.Hash(cer.id), value, status); err != nil {
		c.logger(cer).Error("failed to deliver ceremony result", logger.Error(err))
	}
}

func (c *Coordinator) tombstoned(id directcall.CeremonyID) bool {
	v, ok := c.tombstones.Get(id)
	if !ok {
		return false
	}
	if c.now().Sub(v.(time.Time)) < c.cfg.Timeout {
		return true
	}
	c.tombstones.Remove(id)
	return false
}

func (c *Coordinator) logger(cer *ceremony) logger.Logger {
	return c.log.With(logger.Stringer("ceremony_id", cer.id))
}
