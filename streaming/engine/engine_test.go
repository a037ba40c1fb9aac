package engine

import (
	"fmt"
	"testing"

	"github.com/square/electrumwallet/streaming/tracker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDescriptor struct{ id string }

func (f *fakeDescriptor) DeriveSPK(index uint32) ([]byte, error) {
	return []byte(fmt.Sprintf("%s/%d", f.id, index)), nil
}
func (f *fakeDescriptor) ID() string { return f.id }

func newEngineWithLookahead(t *testing.T, lookahead uint32) (*Engine, *tracker.Tracker) {
	t.Helper()
	tr := tracker.New(lookahead)
	_, err := tr.InsertDescriptor("external", &fakeDescriptor{id: "D"}, 0)
	require.NoError(t, err)
	return New(tr), tr
}

func TestConnectedEmitsFetchThenSubscribePerSPK(t *testing.T) {
	e, tr := newEngineWithLookahead(t, 2)

	cmds := e.Handle(Connected{})
	assert.Len(t, cmds, 6) // 3 SPKs * (FetchHistory, Subscribe)

	spks := tr.AllSPKs()
	seen := make(map[[32]byte]bool)
	for i := 0; i < len(cmds); i += 2 {
		fh, ok := cmds[i].(FetchHistory)
		require.True(t, ok)
		sub, ok := cmds[i+1].(Subscribe)
		require.True(t, ok)
		assert.Equal(t, fh.ScriptHash, sub.ScriptHash)
		seen[fh.ScriptHash] = true
	}
	for _, spk := range spks {
		assert.True(t, seen[spk.ScriptHash])
	}
}

func TestSubscriptionIdempotence(t *testing.T) {
	e, _ := newEngineWithLookahead(t, 2)
	_ = e.Handle(Connected{})

	cmds := e.Handle(Connected{})
	assert.Empty(t, cmds, "re-entering Connected without tracker growth must yield zero commands")
}

func TestEngineEndToEnd(t *testing.T) {
	e, tr := newEngineWithLookahead(t, 2)
	cmds := e.Handle(Connected{})
	require.Len(t, cmds, 6)

	spks := tr.AllSPKs()
	require.Len(t, spks, 3)
	sh0 := spks[0].ScriptHash

	applyCmds := e.Handle(ScriptHashHistory{
		ScriptHash: sh0,
		Txs:        []TxEntry{{Txid: "deadbeef", Height: 100}},
	})

	// Expect: FetchHistory+Subscribe for the newly derived index-3 SPK,
	// then ApplyTransactions for spk0.
	require.Len(t, applyCmds, 3)

	fh, ok := applyCmds[0].(FetchHistory)
	require.True(t, ok)
	sub, ok := applyCmds[1].(Subscribe)
	require.True(t, ok)
	assert.Equal(t, fh.ScriptHash, sub.ScriptHash)

	_, idx, found := tr.IndexOfSPKHash(fh.ScriptHash)
	require.True(t, found)
	assert.Equal(t, uint32(3), idx)

	apply, ok := applyCmds[2].(ApplyTransactions)
	require.True(t, ok)
	assert.Equal(t, spks[0].Bytes, apply.SPK)
	assert.Equal(t, []TxEntry{{Txid: "deadbeef", Height: 100}}, apply.Txs)
}

func TestScriptHashHistoryAlwaysEmitsApplyEvenWhenEmpty(t *testing.T) {
	e, tr := newEngineWithLookahead(t, 2)
	e.Handle(Connected{})
	sh0 := tr.AllSPKs()[0].ScriptHash

	cmds := e.Handle(ScriptHashHistory{ScriptHash: sh0, Txs: nil})
	require.Len(t, cmds, 1)
	apply, ok := cmds[0].(ApplyTransactions)
	require.True(t, ok)
	assert.Empty(t, apply.Txs)
}

func TestEngineDeterminism(t *testing.T) {
	run := func() []Command {
		e, tr := newEngineWithLookahead(t, 2)
		var all []Command
		all = append(all, e.Handle(Connected{})...)
		sh0 := tr.AllSPKs()[0].ScriptHash
		all = append(all, e.Handle(ScriptHashHistory{ScriptHash: sh0, Txs: []TxEntry{{Txid: "a", Height: 10}}})...)
		return all
	}

	first := run()
	second := run()
	assert.Equal(t, first, second)
}
