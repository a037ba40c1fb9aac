// Package descriptor is a minimal front-end around deriver.AddressDeriver
// that satisfies the streaming tracker's Descriptor contract. It is
// intentionally thin: a real descriptor language (miniscript-style
// `wpkh(xpub.../0/*)` strings) is out of scope; callers hand us xpubs,
// a signature threshold and a keychain's change value directly.
package descriptor

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/square/electrumwallet/deriver"
	"github.com/square/electrumwallet/utils"
)

// Xpub derives script pubkeys for one keychain (a fixed change value) from
// one or more extended public keys, reusing deriver.AddressDeriver's
// single-key and multisig-segwit derivation paths.
type Xpub struct {
	drv    *deriver.AddressDeriver
	xpubs  []string
	m      int
	change uint32
}

// NewXpub builds a descriptor for a single keychain. change is 0 for the
// external (receive) keychain and 1 for internal (change), matching the
// convention deriver.AddressDeriver already uses.
func NewXpub(network utils.Network, xpubs []string, m int, change uint32) *Xpub {
	return &Xpub{
		drv:    deriver.NewAddressDeriver(network, xpubs, m, ""),
		xpubs:  xpubs,
		m:      m,
		change: change,
	}
}

// DeriveSPK returns the raw script pubkey bytes for the given index.
func (x *Xpub) DeriveSPK(index uint32) ([]byte, error) {
	addr := x.drv.Derive(x.change, index)
	scriptHex := addr.Script()
	spk, err := hex.DecodeString(scriptHex)
	if err != nil {
		return nil, errors.Wrapf(err, "decoding derived script at index %d", index)
	}
	return spk, nil
}

// ID returns a stable identity for this descriptor. Two descriptors with
// the same ID are considered identical by the tracker, which is the only
// thing it uses ID for (see streaming/tracker InsertDescriptor).
func (x *Xpub) ID() string {
	return fmt.Sprintf("xpub:%d-of-%s:change=%d", x.m, strings.Join(x.xpubs, ","), x.change)
}
