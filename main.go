package main

import (
	"bufio"
	"fmt"
	"github.com/btcsuite/btcutil/hdkeychain"
	"github.com/square/electrumwallet/blockfinder"
	"log"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/square/electrumwallet/accounter"
	"github.com/square/electrumwallet/backend"
	"github.com/square/electrumwallet/backend/electrum"
	"github.com/square/electrumwallet/deriver"
	"github.com/square/electrumwallet/descriptor"
	streamingelectrum "github.com/square/electrumwallet/streaming/electrum"
	"github.com/square/electrumwallet/streaming/engine"
	"github.com/square/electrumwallet/streaming/orchestrator"
	"github.com/square/electrumwallet/streaming/persistence"
	"github.com/square/electrumwallet/streaming/tracker"
	"github.com/square/electrumwallet/streaming/wallet"
	. "github.com/square/electrumwallet/utils"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	app   = kingpin.New("beancounter", "A command-line Bitcoin wallet balance audit tool.")
	debug = app.Flag("debug", "Enable debug output.").Default("false").Bool()

	keytree    = app.Command("keytree", "Performs one or more child key derivations.")
	keytreeArg = keytree.Arg("i", "(repeated) Values for path.").Required().Uint32List()
	keytreeN   = keytree.Flag("n", "number of public keys").Short('n').Default("1").Int()

	findAddr    = app.Command("find-address", "Finds the change/index values for a given address.")
	findAddrArg = findAddr.Arg("address", "Address to look for.").Required().String()
	findAddrM   = findAddr.Flag("m", "number of signatures (quorum)").Short('m').Default("1").Int()
	findAddrN   = findAddr.Flag("n", "number of public keys").Short('n').Default("1").Int()

	findBlock            = app.Command("find-block", "Finds the block height for a given date/time.")
	findBlockTimestamp   = findBlock.Arg("timestamp", "Date/time to resolve. E.g. \"2006-01-02 15:04:05 MST\"").Required().String()
	findBlockBackend     = findBlock.Flag("backend", "electrum | electrum-recorder | fixture").Default("electrum").Enum("electrum", "electrum-recorder", "fixture")
	findBlockAddr        = findBlock.Flag("addr", "Backend to connect to initially. Defaults to a hardcoded node for Electrum.").PlaceHolder("HOST:PORT").TCP()
	findBlockFixtureFile = findBlock.Flag("fixture-file", "Fixture file to use for recording or replaying data.").PlaceHolder("FILEPATH").String()

	computeBalance            = app.Command("compute-balance", "Computes balance for a given watch wallet.")
	computeBalanceBlockHeight = computeBalance.Flag("block-height", "Compute balance at given block height. Defaults to current chain height - 6.").Default("0").Uint32()
	computeBalanceType        = computeBalance.Flag("type", "multisig | single-address").Required().Enum("multisig", "single-address")
	computeBalanceM           = computeBalance.Flag("m", "number of signatures (quorum)").Short('m').Default("1").Int()
	computeBalanceN           = computeBalance.Flag("n", "number of public keys").Short('n').Default("1").Int()
	computeBalanceBackend     = computeBalance.Flag("backend", "electrum | electrum-recorder | fixture").Default("electrum").Enum("electrum", "electrum-recorder", "fixture")
	computeBalanceAddr        = computeBalance.Flag("addr", "Backend to connect to initially. Defaults to a hardcoded node for Electrum.").PlaceHolder("HOST:PORT").TCP()
	computeBalanceFixtureFile = computeBalance.Flag("fixture-file", "Fixture file to use for recording or replaying data.").PlaceHolder("FILEPATH").String()
	computeBalanceLookahead   = computeBalance.Flag("lookahead", "lookahead size").Default("100").Uint32()

	sync                 = app.Command("sync", "Continuously syncs a descriptor wallet over a persistent Electrum connection.")
	syncNetwork          = sync.Flag("network", "mainnet | testnet").Default("mainnet").Enum("mainnet", "testnet")
	syncDescriptor       = sync.Flag("descriptor", "comma-separated xpubs for the external (receive) keychain").Required().String()
	syncChangeDescriptor = sync.Flag("change-descriptor", "comma-separated xpubs for the internal (change) keychain").Required().String()
	syncM                = sync.Flag("m", "signature threshold for the descriptors above").Default("1").Int()
	syncElectrumURL      = sync.Flag("electrum-url", "host:port of the Electrum server, dialed over TLS").Required().PlaceHolder("HOST:PORT").String()
	syncMode             = sync.Flag("sync-mode", "polling | streaming | both").Default("streaming").Enum("polling", "streaming", "both")
	syncLookahead        = sync.Flag("lookahead", "gap-limit lookahead kept derived beyond the highest used index").Default("50").Uint32()
	syncStoreFile        = sync.Flag("store-file", "path to the persisted change-set store").Default("streaming.store").String()
)

const (
	// number of confirmations required so we don't have to worry about orphaned blocks.
	minConfirmations = 6
)

func main() {
	app.Version("0.0.3")
	switch kingpin.MustParse(app.Parse(os.Args[1:])) {
	case keytree.FullCommand():
		doKeytree()
	case findAddr.FullCommand():
		doFindAddr()
	case findBlock.FullCommand():
		doFindBlock()
	case computeBalance.FullCommand():
		doComputeBalance()
	case sync.FullCommand():
		doSync()
	default:
		panic("unreachable")
	}
}

func doKeytree() {
	if !*debug {
		// Disallow piping to prevent leaking addresses in bash history, etc.
		stat, err := os.Stdin.Stat()
		PanicOnError(err)
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			fmt.Println("Piping stdin forbidden.")
			return
		}
	}

	xpubs := make([]string, 0, *keytreeN)
	reader := bufio.NewReader(os.Stdin)
	for i := 0; i < *keytreeN; i++ {
		fmt.Printf("Enter pubkey #%d out of #%d:\n", i+1, *keytreeN)
		xpub, _ := reader.ReadString('\n')
		xpubs = append(xpubs, strings.TrimSpace(xpub))
	}

	// Check that all the addresses have the same prefix
	for i := 1; i < *keytreeN; i++ {
		if xpubs[0][0:4] != xpubs[i][0:4] {
			fmt.Printf("Prefixes must match: %s %s\n", xpubs[0], xpubs[i])
			return
		}
	}

	for _, path := range *keytreeArg {
		for i, xpub := range xpubs {
			key, err := hdkeychain.NewKeyFromString(xpub)
			PanicOnError(err)
			key, err = key.Child(path)
			PanicOnError(err)
			xpubs[i] = key.String()
		}
	}

	for i, xpub := range xpubs {
		fmt.Printf("Child pubkey #%d: %s\n", i+1, xpub)
	}
}

func doFindAddr() {
	err := VerifyMandN(*findAddrM, *findAddrN)
	if err != nil {
		panic(err)
	}

	if !*debug {
		// Disallow piping to prevent leaking addresses in bash history, etc.
		stat, err := os.Stdin.Stat()
		PanicOnError(err)
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			fmt.Println("Piping stdin forbidden.")
			return
		}
	}

	xpubs := make([]string, 0, *findAddrN)
	reader := bufio.NewReader(os.Stdin)
	for i := 0; i < *findAddrN; i++ {
		fmt.Printf("Enter pubkey #%d out of #%d:\n", i+1, *findAddrN)
		xpub, _ := reader.ReadString('\n')
		xpubs = append(xpubs, strings.TrimSpace(xpub))
	}

	// Check that all the addresses have the same prefix
	for i := 1; i < *findAddrN; i++ {
		if xpubs[0][0:4] != xpubs[i][0:4] {
			fmt.Printf("Prefixes must match: %s %s\n", xpubs[0], xpubs[i])
			return
		}
	}
	network := XpubToNetwork(xpubs[0])
	deriver := deriver.NewAddressDeriver(network, xpubs, *findAddrM, "")

	fmt.Printf("Searching for %s\n", *findAddrArg)
	for i := uint32(0); i < math.MaxUint32; i++ {
		for _, change := range []uint32{0, 1} {
			addr := deriver.Derive(change, i)
			if addr.String() == *findAddrArg {
				fmt.Printf("found: %s %s\n", addr.Path(), addr)
				return
			}
			if i%1000 == 0 {
				fmt.Printf("reached: %s %s\n", addr.Path(), addr)
			}
		}
	}
	fmt.Printf("not found\n")
}

func doFindBlock() {
	t, err := time.Parse("2006-01-02 15:04:05 MST", *findBlockTimestamp)
	PanicOnError(err)

	backend, err := findBlockBuildBackend(Mainnet)
	PanicOnError(err)
	bf := blockfinder.New(backend)
	block, median, timestamp := bf.Search(t)
	fmt.Printf("Closest block to '%s' is block #%d with a median time of '%s'\n",
		t.String(), block, median.String())
	if *debug {
		fmt.Printf("timestamp: '%s'\n", timestamp.String())
	}
}

func doComputeBalance() {
	err := VerifyMandN(*computeBalanceM, *computeBalanceN)
	if err != nil {
		panic(err)
	}

	if *debug {
		electrum.DebugMode = true
	} else {
		// Disallow piping to prevent leaking addresses in bash history, etc.
		stat, err := os.Stdin.Stat()
		PanicOnError(err)
		if (stat.Mode() & os.ModeCharDevice) == 0 {
			fmt.Println("Piping stdin forbidden.")
			return
		}
	}

	xpubs := make([]string, 0, *computeBalanceN)
	var network Network
	reader := bufio.NewReader(os.Stdin)
	singleAddress := ""
	if *computeBalanceType == "single-address" {
		fmt.Printf("Enter single address:\n")
		singleAddress, _ = reader.ReadString('\n')
		network = AddressToNetwork(singleAddress)
	} else {
		for i := 0; i < *computeBalanceN; i++ {
			fmt.Printf("Enter pubkey #%d out of #%d:\n", i+1, *computeBalanceN)
			xpub, _ := reader.ReadString('\n')
			xpubs = append(xpubs, strings.TrimSpace(xpub))
		}

		// Check that all the addresses have the same prefix
		for i := 1; i < *computeBalanceN; i++ {
			if xpubs[0][0:4] != xpubs[i][0:4] {
				fmt.Printf("Prefixes must match: %s %s\n", xpubs[0], xpubs[i])
				return
			}
		}
		network = XpubToNetwork(xpubs[0])
	}
	deriver := deriver.NewAddressDeriver(network, xpubs, *computeBalanceM, singleAddress)

	backend, err := computeBalanceBuildBackend(network)
	PanicOnError(err)

	// If blockHeight is 0, we default to current height - 6.
	if *computeBalanceBlockHeight == 0 {
		*computeBalanceBlockHeight = backend.ChainHeight() - minConfirmations
	}
	if *computeBalanceBlockHeight > backend.ChainHeight()-minConfirmations {
		log.Panicf("blockHeight %d is too high (> %d - %d)", *computeBalanceBlockHeight, backend.ChainHeight(), minConfirmations)
	}
	fmt.Printf("Going to compute balance at %d\n", *computeBalanceBlockHeight)

	tb := accounter.New(backend, deriver, *computeBalanceLookahead, *computeBalanceBlockHeight)

	balance := tb.ComputeBalance()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Network", "Block Height", "Balance (sat)"})
	table.Append([]string{string(network), strconv.FormatUint(uint64(*computeBalanceBlockHeight), 10), strconv.FormatUint(balance, 10)})
	table.Render()
}

// TODO: copy-pasta
func findBlockBuildBackend(network Network) (backend.Backend, error) {
	var b backend.Backend
	var err error
	switch *findBlockBackend {
	case "electrum":
		addr, port := getServer(network, *findBlockAddr)
		b, err = backend.NewElectrumBackend(addr, port, network)
		if err != nil {
			return nil, err
		}
	case "electrum-recorder":
		if *findBlockFixtureFile == "" {
			panic("electrum-recorder backend requires output --fixture-file.")
		}
		addr, port := getServer(network, *findBlockAddr)
		b, err = backend.NewElectrumBackend(addr, port, network)
		if err != nil {
			return nil, err
		}
		b, err = backend.NewRecorderBackend(b, *findBlockFixtureFile)
	case "fixture":
		if *findBlockFixtureFile == "" {
			panic("fixture backend requires input --fixture-file.")
		}
		b, err = backend.NewFixtureBackend(*findBlockFixtureFile)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unreachable")
	}
	return b, err
}

// TODO: return *backend.Backend, error instead?
func computeBalanceBuildBackend(network Network) (backend.Backend, error) {
	var b backend.Backend
	var err error
	switch *computeBalanceBackend {
	case "electrum":
		addr, port := getServer(network, *computeBalanceAddr)
		b, err = backend.NewElectrumBackend(addr, port, network)
		if err != nil {
			return nil, err
		}
	case "electrum-recorder":
		if *computeBalanceFixtureFile == "" {
			panic("electrum-recorder backend requires output --fixture-file.")
		}
		addr, port := getServer(network, *computeBalanceAddr)
		b, err = backend.NewElectrumBackend(addr, port, network)
		if err != nil {
			return nil, err
		}
		b, err = backend.NewRecorderBackend(b, *computeBalanceFixtureFile)
	case "fixture":
		if *computeBalanceFixtureFile == "" {
			panic("fixture backend requires input --fixture-file.")
		}
		b, err = backend.NewFixtureBackend(*computeBalanceFixtureFile)
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unreachable")
	}
	return b, err
}

func doSync() {
	network := Network(*syncNetwork)
	externalXpubs := splitTrim(*syncDescriptor)
	internalXpubs := splitTrim(*syncChangeDescriptor)

	if *syncMode == "polling" || *syncMode == "both" {
		runPollingBaseline(network, externalXpubs)
	}
	if *syncMode == "polling" {
		return
	}

	store, _, err := persistence.OpenOrCreate(*syncStoreFile)
	PanicOnError(err)
	defer store.Close()

	walletStore := wallet.NewMemory()
	PanicOnError(walletStore.RevealAddressesTo("external", *syncLookahead))
	PanicOnError(walletStore.RevealAddressesTo("internal", *syncLookahead))

	t := tracker.New(*syncLookahead)
	_, err = t.InsertDescriptor("external", descriptor.NewXpub(network, externalXpubs, *syncM, 0), 0)
	PanicOnError(err)
	_, err = t.InsertDescriptor("internal", descriptor.NewXpub(network, internalXpubs, *syncM, 1), 0)
	PanicOnError(err)

	e := engine.New(t)

	log.Printf("connecting to electrum server %s", *syncElectrumURL)
	adapter, err := streamingelectrum.NewAdapter(*syncElectrumURL)
	PanicOnError(err)

	o := orchestrator.New(e, adapter, walletStore, func() {
		log.Printf("initial sync complete")
	})
	PanicOnError(o.RevealCoverage(*syncLookahead))

	o.Connect()
	log.Printf("streaming sync running; Ctrl-C to stop")
	o.RunForever(nil)
}

// runPollingBaseline runs the polling comparison benchmark once: a full
// address scan via the existing accounter/backend machinery, against the
// external keychain's descriptor only (the polling baseline predates
// per-keychain descriptors and shares one xpub set across both change
// values, same as compute-balance).
func runPollingBaseline(network Network, xpubs []string) {
	addr, port := getServer(network, nil)
	b, err := backend.NewElectrumBackend(addr, port, network)
	PanicOnError(err)

	drv := deriver.NewAddressDeriver(network, xpubs, *syncM, "")
	height := b.ChainHeight() - minConfirmations

	tb := accounter.New(b, drv, *syncLookahead, height)
	balance := tb.ComputeBalance()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Network", "Block Height", "Balance (sat)"})
	table.Append([]string{string(network), strconv.FormatUint(uint64(height), 10), strconv.FormatUint(balance, 10)})
	table.Render()
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// pick a default server for each network if none provided
// TODO: default server should be localhost for Btcd backend.
func getServer(network Network, addr *net.TCPAddr) (string, string) {
	if addr != nil {
		return addr.IP.String(), strconv.Itoa(addr.Port)
	}
	switch network {
	case "mainnet":
		return "electrum.petrkr.net", "s50002"
	case "testnet":
		return "electrum_testnet_unlimited.criptolayer.net", "s50102"
	default:
		panic("unreachable")
	}
}
