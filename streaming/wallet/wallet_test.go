package wallet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyUpdateAccumulatesDistinctTxs(t *testing.T) {
	m := NewMemory()
	spk := []byte("spk-1")

	err := m.ApplyUpdate(Update{SPK: spk, Txs: []TxAnchor{
		{Tx: []byte("tx-a"), Height: 100},
		{Tx: []byte("tx-b"), Height: 0},
	}})
	require.NoError(t, err)

	assert.Len(t, m.Txs(spk), 2)
}

func TestApplyUpdateUpsertsHeightOnRedelivery(t *testing.T) {
	m := NewMemory()
	spk := []byte("spk-1")
	tx := []byte("tx-a")

	require.NoError(t, m.ApplyUpdate(Update{SPK: spk, Txs: []TxAnchor{{Tx: tx, Height: 0}}}))
	assert.Equal(t, []TxAnchor{{Tx: tx, Height: 0}}, m.Txs(spk))

	// The same tx reappears, now confirmed: height must be updated in
	// place, not skipped and not appended as a second entry.
	require.NoError(t, m.ApplyUpdate(Update{SPK: spk, Txs: []TxAnchor{{Tx: tx, Height: 650000}}}))

	got := m.Txs(spk)
	require.Len(t, got, 1)
	assert.Equal(t, int64(650000), got[0].Height)
}

func TestApplyUpdateTolatesOutOfOrderHeights(t *testing.T) {
	m := NewMemory()
	spk := []byte("spk-1")
	tx := []byte("tx-a")

	require.NoError(t, m.ApplyUpdate(Update{SPK: spk, Txs: []TxAnchor{{Tx: tx, Height: 700000}}}))
	// A reorg can resend the same tx at a lower (or unconfirmed) height;
	// the anchor must still be overwritten, not rejected.
	require.NoError(t, m.ApplyUpdate(Update{SPK: spk, Txs: []TxAnchor{{Tx: tx, Height: 0}}}))

	got := m.Txs(spk)
	require.Len(t, got, 1)
	assert.Equal(t, int64(0), got[0].Height)
}

func TestApplyUpdateIsolatesBySPK(t *testing.T) {
	m := NewMemory()
	spkA := []byte("spk-a")
	spkB := []byte("spk-b")

	require.NoError(t, m.ApplyUpdate(Update{SPK: spkA, Txs: []TxAnchor{{Tx: []byte("tx-a"), Height: 1}}}))
	require.NoError(t, m.ApplyUpdate(Update{SPK: spkB, Txs: []TxAnchor{{Tx: []byte("tx-b"), Height: 2}}}))

	assert.Len(t, m.Txs(spkA), 1)
	assert.Len(t, m.Txs(spkB), 1)
}

func TestRevealAddressesToTracksHighWaterMark(t *testing.T) {
	m := NewMemory()

	require.NoError(t, m.RevealAddressesTo("external", 10))
	idx, ok := m.RevealedIndex("external")
	require.True(t, ok)
	assert.Equal(t, uint32(10), idx)

	// A lower request must not regress the high-water mark.
	require.NoError(t, m.RevealAddressesTo("external", 3))
	idx, ok = m.RevealedIndex("external")
	require.True(t, ok)
	assert.Equal(t, uint32(10), idx)

	_, ok = m.RevealedIndex("internal")
	assert.False(t, ok)
}
