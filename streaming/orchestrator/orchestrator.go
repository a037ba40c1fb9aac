// Package orchestrator is the imperative shell that bridges the pure
// engine and the protocol adapter: it bootstraps the engine, polls the
// adapter's ready queue, applies the fetch-or-request policy, executes
// emitted commands as side effects, and drives the wallet store.
package orchestrator

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/square/electrumwallet/streaming/engine"
	"github.com/square/electrumwallet/streaming/wallet"
)

// idlePoll is the sleep between empty-queue polls. Production deployments
// should replace this with a condition variable or channel wakeup.
const idlePoll = 5 * time.Millisecond

// Adapter is the subset of the protocol adapter the orchestrator drives.
// streaming/electrum.Adapter satisfies this; tests use a hand-rolled mock.
type Adapter interface {
	// RegisterScript subscribes to sh at the server; spk is carried only
	// for logging, the wire request needs nothing but the scripthash.
	RegisterScript(spk []byte, sh [32]byte) error

	// RequestHistory queues a non-blocking get_history request for sh.
	RequestHistory(sh [32]byte)

	// FetchHistoryTxs is destructive: it returns the assembled bundle for
	// sh and removes it from the adapter, or (nil, false) if sh has no
	// complete bundle yet.
	FetchHistoryTxs(sh [32]byte) ([]engine.TxEntry, bool)

	// Ready pops one scripthash from the adapter's ready queue, or
	// (zero, false) if the queue is currently empty.
	Ready() ([32]byte, bool)
}

// Orchestrator owns the engine, adapter and wallet store for the lifetime
// of one streaming session.
type Orchestrator struct {
	engine  *engine.Engine
	adapter Adapter
	wallet  wallet.Store
	log     *log.Logger

	pendingInitialSyncs map[[32]byte]struct{}
	onInitialSync       func()
	bootstrapping       bool
}

// New builds an Orchestrator. onInitialSyncComplete, if non-nil, fires
// exactly once when every scripthash FetchHistory'd during bootstrap has
// had its history applied (including the zero-address edge case).
func New(e *engine.Engine, a Adapter, w wallet.Store, onInitialSyncComplete func()) *Orchestrator {
	return &Orchestrator{
		engine:              e,
		adapter:             a,
		wallet:              w,
		log:                 log.Default().With("component", "orchestrator"),
		pendingInitialSyncs: make(map[[32]byte]struct{}),
		onInitialSync:       onInitialSyncComplete,
		bootstrapping:       onInitialSyncComplete != nil,
	}
}

// RevealCoverage ensures the wallet store has materialized addresses up
// to lookahead for both standard keychains, per spec.md §6's load-time
// coverage requirement. Call once at startup before Connected.
func (o *Orchestrator) RevealCoverage(lookahead uint32) error {
	for _, keychain := range []string{"external", "internal"} {
		if err := o.wallet.RevealAddressesTo(keychain, lookahead); err != nil {
			return errors.Wrapf(err, "orchestrator: revealing coverage for keychain %q", keychain)
		}
	}
	return nil
}

// Connect feeds a Connected event to the engine and executes the
// resulting commands. Call once, after the adapter's handshake
// completes. Checks the bootstrap-complete edge case (zero addresses)
// immediately afterward, per spec.
func (o *Orchestrator) Connect() {
	o.execute(o.engine.Handle(engine.Connected{}))
	o.checkInitialSyncComplete()
}

// RunForever polls the adapter's ready queue until stop is closed,
// applying the fetch-or-request policy to each scripthash it yields and
// sleeping idlePoll between empty polls.
func (o *Orchestrator) RunForever(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		default:
		}

		if !o.Tick() {
			time.Sleep(idlePoll)
		}
	}
}

// Tick drains the adapter's ready queue once, returning true if any
// scripthash was processed. Exposed directly for deterministic tests
// that don't want to depend on RunForever's sleep loop.
func (o *Orchestrator) Tick() bool {
	sh, ok := o.adapter.Ready()
	if !ok {
		return false
	}
	o.handleReady(sh)
	return true
}

// handleReady implements the fetch-or-request policy described in
// spec.md §4.3: a ready scripthash either has a complete bundle waiting
// (apply it) or doesn't yet (request one and wait for a later wake).
func (o *Orchestrator) handleReady(sh [32]byte) {
	txs, ok := o.adapter.FetchHistoryTxs(sh)
	if !ok {
		o.adapter.RequestHistory(sh)
		if o.bootstrapping {
			o.pendingInitialSyncs[sh] = struct{}{}
		}
		return
	}

	o.execute(o.engine.Handle(engine.ScriptHashHistory{ScriptHash: sh, Txs: txs}))
	delete(o.pendingInitialSyncs, sh)
	o.checkInitialSyncComplete()
}

// execute runs every command's side effect in order.
func (o *Orchestrator) execute(cmds []engine.Command) {
	for _, cmd := range cmds {
		switch c := cmd.(type) {
		case engine.Subscribe:
			spk, ok := o.engine.ScriptPubKey(c.ScriptHash)
			if !ok {
				// The engine never emits Subscribe for a scripthash it
				// hasn't itself recorded; absence here means the engine
				// contract was violated.
				panic("orchestrator: Subscribe for unknown scripthash")
			}
			if err := o.adapter.RegisterScript(spk, c.ScriptHash); err != nil {
				o.log.Error("register script failed", "err", err)
			}
		case engine.FetchHistory:
			o.adapter.RequestHistory(c.ScriptHash)
			if o.bootstrapping {
				o.pendingInitialSyncs[c.ScriptHash] = struct{}{}
			}
		case engine.ApplyTransactions:
			o.applyTransactions(c)
		}
	}
}

func (o *Orchestrator) applyTransactions(c engine.ApplyTransactions) {
	if len(c.Txs) == 0 {
		return
	}

	anchors := make([]wallet.TxAnchor, len(c.Txs))
	for i, tx := range c.Txs {
		anchors[i] = wallet.TxAnchor{Tx: tx.Raw, Height: tx.Height}
	}

	if err := o.wallet.ApplyUpdate(wallet.Update{SPK: c.SPK, Txs: anchors}); err != nil {
		// Per spec.md §7: a WalletApplyError is logged, never retried —
		// the next history fetch for this scripthash carries the same
		// data and will be re-applied then.
		o.log.Error("wallet apply update failed", "err", err)
	}
}

// checkInitialSyncComplete fires the registered callback exactly once,
// the moment pendingInitialSyncs transitions to empty.
func (o *Orchestrator) checkInitialSyncComplete() {
	if !o.bootstrapping || len(o.pendingInitialSyncs) > 0 {
		return
	}
	o.bootstrapping = false
	cb := o.onInitialSync
	o.onInitialSync = nil
	if cb != nil {
		cb()
	}
}
