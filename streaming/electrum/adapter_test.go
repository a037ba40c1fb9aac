package electrum

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() {
		clientConn.Close()
		serverConn.Close()
	})
	return newAdapter(clientConn)
}

func drainCommands(t *testing.T, a *Adapter, n int) []command {
	t.Helper()
	out := make([]command, 0, n)
	for i := 0; i < n; i++ {
		select {
		case cmd := <-a.cmdQueue:
			out = append(out, cmd)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for command %d/%d", i+1, n)
		}
	}
	return out
}

func serializedTx(t *testing.T) []byte {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	var buf bytes.Buffer
	require.NoError(t, tx.Serialize(&buf))
	return buf.Bytes()
}

func serializedHeader(t *testing.T) []byte {
	t.Helper()
	var header wire.BlockHeader
	var buf bytes.Buffer
	require.NoError(t, header.Serialize(&buf))
	return buf.Bytes()
}

func TestScriptHashHexRoundTrip(t *testing.T) {
	sh := sha256.Sum256([]byte("some script pubkey"))
	hexStr := scriptHashHex(sh)
	parsed, err := parseScriptHashHex(hexStr)
	require.NoError(t, err)
	assert.Equal(t, sh, parsed)
	assert.Equal(t, hexStr, scriptHashHex(parsed), "re-encoding the parsed hash must be identical hex")
}

func TestEmptyHistoryShortcut(t *testing.T) {
	a := newTestAdapter(t)
	sh := sha256.Sum256([]byte("spk"))

	a.onHistoryResult(sh, json.RawMessage(`[]`))

	txs, ok := a.FetchHistoryTxs(sh)
	require.True(t, ok)
	assert.Empty(t, txs)

	readySh, ok := a.Ready()
	require.True(t, ok)
	assert.Equal(t, sh, readySh)
}

func TestBundleFinalizesOnlyWhenBothCountersReachZero(t *testing.T) {
	a := newTestAdapter(t)
	sh := sha256.Sum256([]byte("spk"))

	entries := []historyEntry{{TxHash: "deadbeef", Height: 100}}
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	a.onHistoryResult(sh, raw)

	cmds := drainCommands(t, a, 2)
	var txCmd, headerCmd command
	for _, c := range cmds {
		switch c.kind {
		case cmdFetchTransaction:
			txCmd = c
		case cmdFetchBlockHeader:
			headerCmd = c
		}
	}
	require.Equal(t, "deadbeef", txCmd.txid)
	require.Equal(t, uint32(100), headerCmd.height)

	// Neither counter has reached zero yet: no bundle available.
	_, ok := a.FetchHistoryTxs(sh)
	assert.False(t, ok)

	txHex, _ := json.Marshal(hex.EncodeToString(serializedTx(t)))
	a.onTransactionResult(inflightRequest{kind: inflightTransaction, scriptHash: sh, txid: txCmd.txid, txHeight: txCmd.txHeight}, txHex)

	// Transaction arrived but header hasn't: still not ready.
	_, ok = a.FetchHistoryTxs(sh)
	assert.False(t, ok)

	headerHex, _ := json.Marshal(hex.EncodeToString(serializedHeader(t)))
	a.onBlockHeaderResult(inflightRequest{kind: inflightBlockHeader, scriptHash: sh, height: headerCmd.height}, headerHex)

	txs, ok := a.FetchHistoryTxs(sh)
	require.True(t, ok)
	require.Len(t, txs, 1)
	assert.Equal(t, "deadbeef", txs[0].Txid)
	assert.Equal(t, int64(100), txs[0].Height)
	assert.NotEmpty(t, txs[0].Raw)

	// Destructive: a second read sees nothing.
	_, ok = a.FetchHistoryTxs(sh)
	assert.False(t, ok)
}

func TestDecodeFailureStillFinalizesBundle(t *testing.T) {
	a := newTestAdapter(t)
	sh := sha256.Sum256([]byte("spk"))

	entries := []historyEntry{{TxHash: "deadbeef", Height: 0}} // mempool: no header needed
	raw, err := json.Marshal(entries)
	require.NoError(t, err)
	a.onHistoryResult(sh, raw)

	cmds := drainCommands(t, a, 1)
	require.Equal(t, cmdFetchTransaction, cmds[0].kind)

	badHex, _ := json.Marshal("not-valid-hex!!")
	a.onTransactionResult(inflightRequest{kind: inflightTransaction, scriptHash: sh, txid: cmds[0].txid, txHeight: cmds[0].txHeight}, badHex)

	txs, ok := a.FetchHistoryTxs(sh)
	require.True(t, ok, "a decode failure must still finalize the bundle rather than deadlock it")
	assert.Empty(t, txs)
}

func TestNotificationPushesReady(t *testing.T) {
	a := newTestAdapter(t)
	sh := sha256.Sum256([]byte("spk"))

	params, err := json.Marshal([]string{scriptHashHex(sh), "some-status"})
	require.NoError(t, err)
	a.handleNotification(wireMessage{Method: "blockchain.scripthash.subscribe", Params: params})

	got, ok := a.Ready()
	require.True(t, ok)
	assert.Equal(t, sh, got)
}

func TestUnknownResponseIDIsIgnored(t *testing.T) {
	a := newTestAdapter(t)
	// No inflight entry exists for id 999; handleResponse must not panic.
	a.handleResponse(999, json.RawMessage(`null`), nil)
}
