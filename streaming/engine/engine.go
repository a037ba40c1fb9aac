// Package engine implements the sync engine: a pure, deterministic state
// machine translating protocol events into orchestrator commands. It
// performs no I/O, reads no clock that influences behavior, and is
// single-threaded — callers own all synchronization.
package engine

import (
	"github.com/square/electrumwallet/streaming/tracker"
)

// TxEntry is one transaction in a history, paired with its confirmation
// height and raw bytes. Height <= 0 means unconfirmed (mempool). Raw is
// carried through ApplyTransactions for the wallet store to persist; the
// engine itself never inspects it.
type TxEntry struct {
	Txid   string
	Height int64
	Raw    []byte
}

// Event is the sealed set of inputs the engine consumes.
type Event interface{ isEvent() }

// Connected signals the transport is ready; the engine must (re)enumerate
// every currently-derived SPK.
type Connected struct{}

// ScriptHashChanged reports a server-side status change notification for a
// scripthash.
type ScriptHashChanged struct {
	ScriptHash [32]byte
}

// ScriptHashHistory carries a fully assembled history bundle for a
// scripthash.
type ScriptHashHistory struct {
	ScriptHash [32]byte
	Txs        []TxEntry
}

func (Connected) isEvent()         {}
func (ScriptHashChanged) isEvent() {}
func (ScriptHashHistory) isEvent() {}

// Command is the sealed set of side-effect instructions emitted by the
// engine for the orchestrator to execute.
type Command interface{ isCommand() }

// Subscribe instructs the adapter to subscribe to and track a scripthash.
type Subscribe struct {
	ScriptHash [32]byte
}

// FetchHistory requests an explicit history pull for a scripthash.
type FetchHistory struct {
	ScriptHash [32]byte
}

// ApplyTransactions instructs the orchestrator to atomically apply the
// given transactions, anchored at their heights, to the wallet's SPK.
type ApplyTransactions struct {
	SPK []byte
	Txs []TxEntry
}

func (Subscribe) isCommand()         {}
func (FetchHistory) isCommand()      {}
func (ApplyTransactions) isCommand() {}

// snapshot is the last observed history for a scripthash, storing only
// txids — full transactions are never retained here.
type snapshot struct {
	txids []string
}

func (s snapshot) isEmpty() bool { return len(s.txids) == 0 }

// Engine owns a tracker, the subscription set, and per-scripthash history
// snapshots.
type Engine struct {
	tracker *tracker.Tracker

	scriptByHash map[[32]byte][]byte
	subscribed   map[[32]byte]struct{}
	snapshots    map[[32]byte]snapshot
}

// New builds an Engine around the given tracker. The tracker is exclusively
// owned by the returned Engine from this point on.
func New(t *tracker.Tracker) *Engine {
	return &Engine{
		tracker:      t,
		scriptByHash: make(map[[32]byte][]byte),
		subscribed:   make(map[[32]byte]struct{}),
		snapshots:    make(map[[32]byte]snapshot),
	}
}

// Tracker exposes the underlying tracker so the orchestrator can register
// descriptors on wallet setup; the engine is the exclusive writer of
// subscription/snapshot state derived from it.
func (e *Engine) Tracker() *tracker.Tracker { return e.tracker }

// ScriptPubKey looks up the SPK the engine has recorded for a scripthash.
// Its absence for a scripthash the orchestrator is acting on is a
// programmer error.
func (e *Engine) ScriptPubKey(sh [32]byte) ([]byte, bool) {
	spk, ok := e.scriptByHash[sh]
	return spk, ok
}

// Handle consumes one event and returns the commands it produces, in
// order. Given the same starting state and the same event sequence, the
// returned command sequence is byte-identical across runs.
func (e *Engine) Handle(ev Event) []Command {
	switch v := ev.(type) {
	case Connected:
		return e.onConnected()
	case ScriptHashChanged:
		return []Command{FetchHistory{ScriptHash: v.ScriptHash}}
	case ScriptHashHistory:
		return e.onScriptHashHistory(v)
	default:
		return nil
	}
}

func (e *Engine) onConnected() []Command {
	var cmds []Command
	for _, spk := range e.tracker.AllSPKs() {
		if _, already := e.subscribed[spk.ScriptHash]; already {
			continue
		}
		e.adopt(spk)
		cmds = append(cmds, FetchHistory{ScriptHash: spk.ScriptHash}, Subscribe{ScriptHash: spk.ScriptHash})
	}
	return cmds
}

func (e *Engine) onScriptHashHistory(v ScriptHashHistory) []Command {
	prev := e.snapshots[v.ScriptHash]
	wasEmpty := prev.isEmpty()
	isEmpty := len(v.Txs) == 0

	e.snapshots[v.ScriptHash] = snapshot{txids: txids(v.Txs)}

	var cmds []Command
	if wasEmpty && !isEmpty {
		if keychain, index, ok := e.tracker.IndexOfSPKHash(v.ScriptHash); ok {
			newSPKs, err := e.tracker.MarkUsedAndDeriveNew(keychain, index)
			if err != nil {
				// Derivation for an already-validated descriptor must never
				// fail; if it does the descriptor contract was violated.
				panic(err)
			}
			for _, spk := range newSPKs {
				e.adopt(spk)
				cmds = append(cmds, FetchHistory{ScriptHash: spk.ScriptHash}, Subscribe{ScriptHash: spk.ScriptHash})
			}
		}
	}

	spk := e.scriptByHash[v.ScriptHash]
	cmds = append(cmds, ApplyTransactions{SPK: spk, Txs: v.Txs})
	return cmds
}

func (e *Engine) adopt(spk tracker.SPK) {
	e.scriptByHash[spk.ScriptHash] = spk.Bytes
	e.subscribed[spk.ScriptHash] = struct{}{}
}

func txids(txs []TxEntry) []string {
	out := make([]string, len(txs))
	for i, tx := range txs {
		out[i] = tx.Txid
	}
	return out
}
