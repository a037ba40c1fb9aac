package backend

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/square/electrumwallet/deriver"
	"github.com/square/electrumwallet/reporter"
)

// CacheBackend wraps another Backend and answers address requests from an
// in-memory index of earlier responses, forwarding cache misses.
// CacheBackend implements Backend interface.
type CacheBackend struct {
	backend     Backend
	addrIndexMu sync.Mutex
	addrIndex   map[string]AddrResponse
	txIndexMu   sync.Mutex
	txIndex     map[string]TxResponse

	// channels used to communicate with the Accounter
	addrRequests  chan *deriver.Address
	addrResponses chan *AddrResponse
	txResponses   chan *TxResponse

	transactionsMu sync.Mutex // mutex to guard read/writes to transactions map
	transactions   map[string]int64

	// internal channels
	doneCh chan bool

	readOnly bool
}

// NewCacheBackend returns a new CacheBackend structs or errors.
// If storage is non-nil, the index is loaded from it and the backend is read-only.
// Otherwise the responses seen are written on Finish to a timestamped
// cached_data_* file in the working directory.
func NewCacheBackend(b Backend, storage *os.File) (*CacheBackend, error) {
	cb := &CacheBackend{backend: b,
		addrRequests:  make(chan *deriver.Address, addrRequestsChanSize),
		addrResponses: make(chan *AddrResponse, addrRequestsChanSize),
		txResponses:   make(chan *TxResponse, 2*maxTxsPerAddr),
		addrIndex:     make(map[string]AddrResponse),
		txIndex:       make(map[string]TxResponse),
		transactions:  make(map[string]int64),
		doneCh:        make(chan bool),
	}

	if storage != nil {
		if err := cb.loadFromFile(storage); err != nil {
			return nil, err
		}
		cb.readOnly = true
	}

	go cb.processRequests()
	return cb, nil
}

func (b *CacheBackend) AddrRequest(addr *deriver.Address) {
	b.addrRequests <- addr
}

func (b *CacheBackend) AddrResponses() <-chan *AddrResponse {
	return b.addrResponses
}

func (b *CacheBackend) TxResponses() <-chan *TxResponse {
	return b.txResponses
}

func (b *CacheBackend) TxRequest(txHash string) {
	b.backend.TxRequest(txHash)
}

func (b *CacheBackend) BlockRequest(height uint32) {
	b.backend.BlockRequest(height)
}

func (b *CacheBackend) BlockResponses() <-chan *BlockResponse {
	return b.backend.BlockResponses()
}

func (b *CacheBackend) ChainHeight() uint32 {
	return b.backend.ChainHeight()
}

func (b *CacheBackend) Finish() {
	b.backend.Finish()
	close(b.doneCh)

	if !b.readOnly {
		if err := b.writeToFile(); err != nil {
			fmt.Println(err)
		}
	}
}

func (b *CacheBackend) processRequests() {
	backendAddrResponses := b.backend.AddrResponses()
	backendTxResponses := b.backend.TxResponses()

	for {
		select {
		case addr := <-b.addrRequests:
			b.processAddrRequest(addr)
		case addrResp, ok := <-backendAddrResponses:
			if !ok {
				backendAddrResponses = nil
				continue
			}
			b.addrIndexMu.Lock()
			b.addrIndex[addrResp.Address.String()] = *addrResp
			b.addrIndexMu.Unlock()
			b.addrResponses <- addrResp
		case txResp, ok := <-backendTxResponses:
			if !ok {
				backendTxResponses = nil
				continue
			}
			b.txIndexMu.Lock()
			b.txIndex[txResp.Hash] = *txResp
			b.txIndexMu.Unlock()
			b.txResponses <- txResp
		case <-b.doneCh:
			return
		}
	}
}

func (b *CacheBackend) processAddrRequest(address *deriver.Address) {
	b.addrIndexMu.Lock()
	resp, exists := b.addrIndex[address.String()]
	b.addrIndexMu.Unlock()

	if exists {
		reporter.GetInstance().IncAddressesScheduled()
		reporter.GetInstance().Log(fmt.Sprintf("[cache] scheduling address: %s", address))

		b.addrResponses <- &resp
		go b.scheduleTx(resp.TxHashes)
		return
	}

	// cache miss
	b.backend.AddrRequest(address)
}

func (b *CacheBackend) scheduleTx(txIDs []string) {
	for _, txid := range txIDs {
		b.transactionsMu.Lock()
		_, exists := b.transactions[txid]
		b.transactionsMu.Unlock()

		if exists {
			return
		}

		b.txIndexMu.Lock()
		tx, exists := b.txIndex[txid]
		b.txIndexMu.Unlock()

		// if cached address lists a transaction that doesn't exist in cache,
		// then something is wrong.
		if !exists {
			panic(fmt.Sprintf("inconsistent cache: %s", txid))
		}
		reporter.GetInstance().IncTxScheduled()
		reporter.GetInstance().Log(fmt.Sprintf("[cache] scheduling tx: %s", txid))

		b.txResponses <- &tx
	}
}

// index, address, transaction and the byAddress/byTransactionID sort helpers are
// shared with the fixture and recorder backends; see common.go.

func (b *CacheBackend) writeToFile() error {
	cachedData := index{
		Metadata:     metadata{Height: b.backend.ChainHeight()},
		Addresses:    []address{},
		Transactions: []transaction{},
	}

	filename := "cached_data_" + time.Now().Format(time.RFC3339)
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}
	filepath := path.Join(cwd, filename)

	reporter.GetInstance().Log(fmt.Sprintf("writing data to %s\n ...", filepath))
	f, err := os.Create(filepath)
	if err != nil {
		return err
	}
	defer f.Close()

	for addr, addrResp := range b.addrIndex {
		a := address{
			Address:      addr,
			Path:         addrResp.Address.Path(),
			Network:      addrResp.Address.Network(),
			Change:       addrResp.Address.Change(),
			AddressIndex: addrResp.Address.Index(),
			TxHashes:     addrResp.TxHashes,
		}
		cachedData.Addresses = append(cachedData.Addresses, a)
	}

	sort.Sort(byAddress(cachedData.Addresses))

	for _, txResp := range b.txIndex {
		tx := transaction{
			Hash:   txResp.Hash,
			Height: txResp.Height,
			Hex:    txResp.Hex,
		}
		cachedData.Transactions = append(cachedData.Transactions, tx)
	}
	sort.Sort(byTransactionID(cachedData.Transactions))

	cachedDataJSON, err := json.MarshalIndent(cachedData, "", "    ")
	if err != nil {
		return err
	}

	_, err = f.Write(cachedDataJSON)
	if err != nil {
		return err
	}

	return nil
}

func (b *CacheBackend) loadFromFile(f *os.File) error {
	var cachedData index

	byteValue, err := ioutil.ReadAll(f)
	if err != nil {
		return err
	}

	err = json.Unmarshal(byteValue, &cachedData)
	if err != nil {
		return err
	}

	for _, addr := range cachedData.Addresses {
		a := AddrResponse{
			Address:  deriver.NewAddress(addr.Path, addr.Address, addr.Network, addr.Change, addr.AddressIndex),
			TxHashes: addr.TxHashes,
		}
		b.addrIndex[addr.Address] = a
	}

	for _, tx := range cachedData.Transactions {
		b.txIndex[tx.Hash] = TxResponse{
			Hash:   tx.Hash,
			Height: tx.Height,
			Hex:    tx.Hex,
		}
	}

	return nil
}
