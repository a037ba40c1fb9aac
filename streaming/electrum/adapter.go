// Package electrum implements the protocol adapter: a persistent TLS
// connection to one Electrum server, multiplexing JSON-RPC requests and
// responses with server push notifications, and assembling per-scripthash
// history bundles (transactions + block headers) into atomic units for the
// orchestrator to pick up.
package electrum

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver"
	"github.com/btcsuite/btcd/wire"
	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"github.com/square/electrumwallet/streaming/engine"
)

const (
	connTimeout = 10 * time.Second

	// commandQueueSize is generous enough that RegisterScript/RequestHistory
	// never block on a healthy connection; the writer drains continuously.
	commandQueueSize = 4096

	// maxLineSize bounds one JSON-RPC line; get_history responses and raw
	// transactions can run large but never anywhere near this.
	maxLineSize = 16 * 1024 * 1024

	// minProtocolVersion is the floor this adapter negotiates, matching the
	// teacher's hardcoded "1.2" but checked with a real semver comparison
	// instead of a bare float parse.
	minProtocolVersion = "1.2.0"

	clientName = "electrumwallet"
)

type commandKind int

const (
	cmdSubscribe commandKind = iota
	cmdFetchHistory
	cmdFetchTransaction
	cmdFetchBlockHeader
)

// command is one entry of the writer's command queue.
type command struct {
	kind       commandKind
	scriptHash [32]byte
	txid       string
	txHeight   int64  // confirmation height carried through to the assembled TxEntry
	height     uint32 // target height for FetchBlockHeader
}

type inflightKind int

const (
	inflightHandshake inflightKind = iota
	inflightSubscribe
	inflightHistory
	inflightTransaction
	inflightBlockHeader
)

// inflightRequest is what a JSON-RPC id maps to until its response arrives.
type inflightRequest struct {
	kind       inflightKind
	scriptHash [32]byte
	txid       string
	txHeight   int64
	height     uint32
}

// bundle is the in-progress or completed per-scripthash history assembly.
// It is ready iff both remaining counts are zero.
type bundle struct {
	remainingTx      int
	remainingHeaders int
	txs              []engine.TxEntry
}

func (b *bundle) ready() bool { return b.remainingTx == 0 && b.remainingHeaders == 0 }

type rpcRequest struct {
	ID     uint64        `json:"id"`
	Method string        `json:"method"`
	Params []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// wireMessage covers both RPC responses (ID set) and server push
// notifications (ID absent, Method set).
type wireMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type historyEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// Adapter owns one Electrum server connection for the lifetime of a
// streaming session. It is safe for concurrent use by its own reader and
// writer goroutines and by the orchestrator's polling calls.
type Adapter struct {
	conn    net.Conn
	writer  *bufio.Writer
	writeMu sync.Mutex

	nextID uint64 // atomic, monotonic JSON-RPC id

	mu              sync.Mutex
	inflight        map[uint64]inflightRequest
	bundles         map[[32]byte]*bundle
	headers         map[uint32]*wire.BlockHeader
	headersInFlight map[uint32]struct{}
	ready           [][32]byte

	cmdQueue chan command

	handshakeDone chan struct{}
	handshakeErr  error

	log *log.Logger
}

// NewAdapter dials serverURL over TLS and blocks until the server.version
// handshake completes, per spec.md §4.4's connection-ready contract.
func NewAdapter(serverURL string) (*Adapter, error) {
	d := &net.Dialer{Timeout: connTimeout}
	conn, err := tls.DialWithDialer(d, "tcp", serverURL, &tls.Config{InsecureSkipVerify: true})
	if err != nil {
		return nil, errors.Wrapf(err, "electrum: dialing %s", serverURL)
	}

	a := newAdapter(conn)
	go a.readLoop()
	go a.writeLoop()

	if err := a.handshake(); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func newAdapter(conn net.Conn) *Adapter {
	return &Adapter{
		conn:            conn,
		writer:          bufio.NewWriter(conn),
		inflight:        make(map[uint64]inflightRequest),
		bundles:         make(map[[32]byte]*bundle),
		headers:         make(map[uint32]*wire.BlockHeader),
		headersInFlight: make(map[uint32]struct{}),
		cmdQueue:        make(chan command, commandQueueSize),
		handshakeDone:   make(chan struct{}),
		log:             log.Default().With("component", "electrum"),
	}
}

// handshake sends server.version directly (ahead of the command queue) and
// blocks until the reader observes and validates its response.
func (a *Adapter) handshake() error {
	id := atomic.AddUint64(&a.nextID, 1)
	a.trackInflight(id, inflightRequest{kind: inflightHandshake})

	if err := a.writeRequest(id, "server.version", []interface{}{clientName, minProtocolVersion}); err != nil {
		return errors.Wrap(err, "electrum: sending server.version")
	}

	<-a.handshakeDone
	return a.handshakeErr
}

func (a *Adapter) completeHandshake(result json.RawMessage) {
	var pair []string
	if err := json.Unmarshal(result, &pair); err != nil || len(pair) < 2 {
		a.handshakeErr = errors.New("electrum: malformed server.version response")
		close(a.handshakeDone)
		return
	}

	negotiated, err := semver.NewVersion(pair[1])
	if err != nil {
		a.handshakeErr = errors.Wrapf(err, "electrum: parsing server protocol version %q", pair[1])
		close(a.handshakeDone)
		return
	}

	min, err := semver.NewVersion(minProtocolVersion)
	if err != nil {
		a.handshakeErr = errors.Wrap(err, "electrum: parsing minimum protocol version")
		close(a.handshakeDone)
		return
	}
	if negotiated.LessThan(min) {
		a.handshakeErr = errors.Errorf("electrum: server protocol %s older than minimum %s", negotiated, min)
	}
	close(a.handshakeDone)
}

// Close terminates the writer and closes the socket, which in turn
// unblocks the reader.
func (a *Adapter) Close() error {
	close(a.cmdQueue)
	return a.conn.Close()
}

// RegisterScript queues a subscribe request for sh. spk is accepted only
// for debug visibility; the wire request needs nothing but the scripthash.
func (a *Adapter) RegisterScript(spk []byte, sh [32]byte) error {
	a.log.Debug("subscribing", "scripthash", scriptHashHex(sh), "spk_len", len(spk))
	a.cmdQueue <- command{kind: cmdSubscribe, scriptHash: sh}
	return nil
}

// RequestHistory queues a non-blocking get_history request for sh.
func (a *Adapter) RequestHistory(sh [32]byte) {
	a.cmdQueue <- command{kind: cmdFetchHistory, scriptHash: sh}
}

// FetchHistoryTxs is destructive: it returns the assembled bundle for sh,
// removing it, or (nil, false) if no complete bundle exists yet.
func (a *Adapter) FetchHistoryTxs(sh [32]byte) ([]engine.TxEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bundles[sh]
	if !ok || !b.ready() {
		return nil, false
	}
	delete(a.bundles, sh)
	return b.txs, true
}

// Ready pops one scripthash from the ready queue, or (zero, false) if empty.
func (a *Adapter) Ready() ([32]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ready) == 0 {
		return [32]byte{}, false
	}
	sh := a.ready[0]
	a.ready = a.ready[1:]
	return sh, true
}

func (a *Adapter) pushReady(sh [32]byte) {
	a.mu.Lock()
	a.ready = append(a.ready, sh)
	a.mu.Unlock()
}

func (a *Adapter) trackInflight(id uint64, req inflightRequest) {
	a.mu.Lock()
	a.inflight[id] = req
	a.mu.Unlock()
}

func (a *Adapter) writeRequest(id uint64, method string, params []interface{}) error {
	body, err := json.Marshal(rpcRequest{ID: id, Method: method, Params: params})
	if err != nil {
		return err
	}
	body = append(body, '\n')

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if _, err := a.writer.Write(body); err != nil {
		return err
	}
	return a.writer.Flush()
}

// writeLoop drains the command queue in insertion order: for a given
// scripthash, a Subscribe command (if emitted) precedes later requests
// because the orchestrator and engine never reorder their own command
// emission, and this loop preserves submission order exactly.
func (a *Adapter) writeLoop() {
	for cmd := range a.cmdQueue {
		if err := a.sendCommand(cmd); err != nil {
			a.log.Error("sending command failed", "err", err)
		}
	}
}

func (a *Adapter) sendCommand(cmd command) error {
	id := atomic.AddUint64(&a.nextID, 1)
	switch cmd.kind {
	case cmdSubscribe:
		a.trackInflight(id, inflightRequest{kind: inflightSubscribe, scriptHash: cmd.scriptHash})
		return a.writeRequest(id, "blockchain.scripthash.subscribe", []interface{}{scriptHashHex(cmd.scriptHash)})
	case cmdFetchHistory:
		a.trackInflight(id, inflightRequest{kind: inflightHistory, scriptHash: cmd.scriptHash})
		return a.writeRequest(id, "blockchain.scripthash.get_history", []interface{}{scriptHashHex(cmd.scriptHash)})
	case cmdFetchTransaction:
		a.trackInflight(id, inflightRequest{kind: inflightTransaction, scriptHash: cmd.scriptHash, txid: cmd.txid, txHeight: cmd.txHeight})
		return a.writeRequest(id, "blockchain.transaction.get", []interface{}{cmd.txid, false})
	case cmdFetchBlockHeader:
		a.trackInflight(id, inflightRequest{kind: inflightBlockHeader, scriptHash: cmd.scriptHash, height: cmd.height})
		return a.writeRequest(id, "blockchain.block.header", []interface{}{cmd.height})
	default:
		return errors.Errorf("electrum: unknown command kind %d", cmd.kind)
	}
}

// readLoop processes one complete JSON-RPC message per line until the
// connection closes or errors; it is not restarted, matching spec.md §4.4's
// POC-level no-auto-reconnect failure semantics.
func (a *Adapter) readLoop() {
	scanner := bufio.NewScanner(a.conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		a.handleLine(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		a.log.Error("connection read failed", "err", err)
	} else {
		a.log.Info("server closed connection")
	}
}

func (a *Adapter) handleLine(line []byte) {
	var msg wireMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		a.log.Error("malformed message", "err", err)
		return
	}
	if msg.ID == nil {
		a.handleNotification(msg)
		return
	}
	a.handleResponse(*msg.ID, msg.Result, msg.Error)
}

func (a *Adapter) handleNotification(msg wireMessage) {
	if msg.Method != "blockchain.scripthash.subscribe" {
		a.log.Debug("unhandled notification", "method", msg.Method)
		return
	}
	var params []string
	if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) == 0 {
		a.log.Error("malformed subscribe notification", "err", err)
		return
	}
	sh, err := parseScriptHashHex(params[0])
	if err != nil {
		a.log.Error("malformed scripthash in notification", "err", err)
		return
	}
	a.pushReady(sh)
}

func (a *Adapter) handleResponse(id uint64, result json.RawMessage, rpcErr *rpcError) {
	a.mu.Lock()
	req, ok := a.inflight[id]
	if ok {
		delete(a.inflight, id)
	}
	a.mu.Unlock()

	if !ok {
		a.log.Debug("response for unknown id", "id", id)
		return
	}

	if rpcErr != nil {
		a.log.Debug("server returned error", "id", id, "code", rpcErr.Code, "message", rpcErr.Message)
		a.finalizeOnFailure(req)
		return
	}

	switch req.kind {
	case inflightHandshake:
		a.completeHandshake(result)
	case inflightSubscribe:
		// Ignored entirely: the orchestrator never needs the initial
		// status, only later push notifications.
	case inflightHistory:
		a.onHistoryResult(req.scriptHash, result)
	case inflightTransaction:
		a.onTransactionResult(req, result)
	case inflightBlockHeader:
		a.onBlockHeaderResult(req, result)
	}
}

// finalizeOnFailure still decrements the owning bundle's counters on a
// protocol/decode error, per spec.md §7: a stuck counter would otherwise
// deadlock that scripthash's bundle forever.
func (a *Adapter) finalizeOnFailure(req inflightRequest) {
	switch req.kind {
	case inflightTransaction:
		a.decrementTx(req.scriptHash)
	case inflightBlockHeader:
		a.clearHeaderInFlight(req.height)
		a.decrementHeader(req.scriptHash)
	}
}

func (a *Adapter) onHistoryResult(sh [32]byte, raw json.RawMessage) {
	var entries []historyEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		a.log.Error("malformed get_history result", "scripthash", scriptHashHex(sh), "err", err)
		return
	}

	if len(entries) == 0 {
		a.mu.Lock()
		a.bundles[sh] = &bundle{}
		a.mu.Unlock()
		a.pushReady(sh)
		return
	}

	var followUps []command
	a.mu.Lock()
	newHeights := make(map[uint32]struct{})
	for _, e := range entries {
		if e.Height > 0 {
			h := uint32(e.Height)
			_, cached := a.headers[h]
			_, inFlight := a.headersInFlight[h]
			if !cached && !inFlight {
				newHeights[h] = struct{}{}
				a.headersInFlight[h] = struct{}{}
			}
		}
	}
	a.bundles[sh] = &bundle{
		remainingTx:      len(entries),
		remainingHeaders: len(newHeights),
		txs:              make([]engine.TxEntry, 0, len(entries)),
	}
	a.mu.Unlock()

	for _, e := range entries {
		followUps = append(followUps, command{kind: cmdFetchTransaction, scriptHash: sh, txid: e.TxHash, txHeight: e.Height})
	}
	for h := range newHeights {
		followUps = append(followUps, command{kind: cmdFetchBlockHeader, scriptHash: sh, height: h})
	}

	for _, c := range followUps {
		a.cmdQueue <- c
	}
}

func (a *Adapter) onTransactionResult(req inflightRequest, raw json.RawMessage) {
	var rawHex string
	if err := json.Unmarshal(raw, &rawHex); err != nil {
		a.log.Error("malformed transaction.get result", "txid", req.txid, "err", err)
		a.decrementTx(req.scriptHash)
		return
	}

	txBytes, err := hex.DecodeString(rawHex)
	if err != nil {
		a.log.Error("undecodable transaction hex", "txid", req.txid, "err", err)
		a.decrementTx(req.scriptHash)
		return
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(txBytes)); err != nil {
		a.log.Error("transaction failed consensus decode", "txid", req.txid, "err", err)
		a.decrementTx(req.scriptHash)
		return
	}

	a.mu.Lock()
	b, ok := a.bundles[req.scriptHash]
	if ok {
		b.txs = append(b.txs, engine.TxEntry{Txid: req.txid, Height: req.txHeight, Raw: txBytes})
		b.remainingTx--
	}
	ready := ok && b.ready()
	a.mu.Unlock()

	if ready {
		a.pushReady(req.scriptHash)
	}
}

func (a *Adapter) onBlockHeaderResult(req inflightRequest, raw json.RawMessage) {
	var rawHex string
	if err := json.Unmarshal(raw, &rawHex); err != nil {
		a.log.Error("malformed block.header result", "height", req.height, "err", err)
		a.clearHeaderInFlight(req.height)
		a.decrementHeader(req.scriptHash)
		return
	}

	headerBytes, err := hex.DecodeString(rawHex)
	if err != nil {
		a.log.Error("undecodable header hex", "height", req.height, "err", err)
		a.clearHeaderInFlight(req.height)
		a.decrementHeader(req.scriptHash)
		return
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(headerBytes)); err != nil {
		a.log.Error("header failed consensus decode", "height", req.height, "err", err)
		a.clearHeaderInFlight(req.height)
		a.decrementHeader(req.scriptHash)
		return
	}

	a.mu.Lock()
	a.headers[req.height] = &header
	delete(a.headersInFlight, req.height)
	a.mu.Unlock()
	a.decrementHeader(req.scriptHash)
}

func (a *Adapter) clearHeaderInFlight(height uint32) {
	a.mu.Lock()
	delete(a.headersInFlight, height)
	a.mu.Unlock()
}

func (a *Adapter) decrementTx(sh [32]byte) {
	a.mu.Lock()
	b, ok := a.bundles[sh]
	if !ok {
		a.mu.Unlock()
		return
	}
	b.remainingTx--
	ready := b.ready()
	a.mu.Unlock()
	if ready {
		a.pushReady(sh)
	}
}

func (a *Adapter) decrementHeader(sh [32]byte) {
	a.mu.Lock()
	b, ok := a.bundles[sh]
	if !ok {
		a.mu.Unlock()
		return
	}
	b.remainingHeaders--
	ready := b.ready()
	a.mu.Unlock()
	if ready {
		a.pushReady(sh)
	}
}

// scriptHashHex renders a natural-order scripthash as the byte-reversed
// little-endian hex string Electrum expects on the wire.
func scriptHashHex(sh [32]byte) string {
	var rev [32]byte
	for i := range sh {
		rev[i] = sh[31-i]
	}
	return hex.EncodeToString(rev[:])
}

// parseScriptHashHex is scriptHashHex's inverse: it parses a wire-format
// scripthash hex string back into natural byte order.
func parseScriptHashHex(s string) ([32]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "electrum: decoding scripthash hex")
	}
	if len(b) != 32 {
		return [32]byte{}, errors.Errorf("electrum: scripthash hex has %d bytes, want 32", len(b))
	}
	var sh [32]byte
	for i := range b {
		sh[i] = b[31-i]
	}
	return sh, nil
}
