package utils

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"
)

// PanicOnError panics if err is not nil
func PanicOnError(err error) {
	if err != nil {
		panic(err)
	}
}

// Max returns the largest of num and the optional nums.
func Max(num uint32, nums ...uint32) uint32 {
	r := num
	for _, v := range nums {
		if v > r {
			r = v
		}
	}
	return r
}

// Network identifies which Bitcoin chain a wallet, address or xpub belongs to.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// ChainConfig returns the btcsuite chain parameters for the network.
func (n Network) ChainConfig() *chaincfg.Params {
	switch n {
	case Mainnet:
		return &chaincfg.MainNetParams
	case Testnet:
		return &chaincfg.TestNet3Params
	default:
		panic(fmt.Sprintf("unknown network %q", n))
	}
}

// GenesisBlock returns the genesis block hash for the network, in the
// big-endian display form Electrum server.features reports it in.
func GenesisBlock(n Network) string {
	switch n {
	case Mainnet:
		return "000000000019d6689c085ae165831e934ff763ae46a2a6c172b3f1b60a8ce26f"
	case Testnet:
		return "000000000933ea01ad0ee984209779baaec3ced90fa3f408719526f8d77f4943"
	default:
		panic(fmt.Sprintf("unknown network %q", n))
	}
}

// XpubToNetwork infers the network an extended public key was generated for
// from its human-readable prefix.
func XpubToNetwork(xpub string) Network {
	switch {
	case strings.HasPrefix(xpub, "xpub"):
		return Mainnet
	case strings.HasPrefix(xpub, "tpub"):
		return Testnet
	default:
		panic(fmt.Sprintf("cannot determine network from xpub prefix: %q", xpub))
	}
}

// AddressToNetwork infers the network an address was generated for from its
// human-readable prefix.
func AddressToNetwork(addr string) Network {
	if len(addr) == 0 {
		panic("empty address")
	}
	switch addr[0] {
	case '1', '3':
		return Mainnet
	case 'm', 'n', '2':
		return Testnet
	default:
		panic(fmt.Sprintf("cannot determine network from address prefix: %q", addr))
	}
}

// VerifyMandN checks that an m-of-n multisig configuration is sane.
func VerifyMandN(m, n int) error {
	if n < 1 {
		return fmt.Errorf("n must be >= 1, got %d", n)
	}
	if m < 1 || m > n {
		return fmt.Errorf("m must be in [1, %d], got %d", n, m)
	}
	return nil
}
