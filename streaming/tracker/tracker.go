// Package tracker implements the derivation tracker: the (keychain, index)
// <-> scripthash mapping the streaming engine consumes to decide what to
// subscribe to and where a history update belongs.
//
// A Tracker is exclusively owned by the engine that holds it (see
// streaming/engine), which is itself single-threaded; Tracker is therefore
// not safe for concurrent use and takes no lock of its own.
package tracker

import (
	"crypto/sha256"
	"sort"

	"github.com/pkg/errors"
)

// Descriptor deterministically produces a script pubkey for a given
// derivation index. The same descriptor must always produce the same SPK
// at the same index.
type Descriptor interface {
	DeriveSPK(index uint32) ([]byte, error)
	// ID returns a stable identity; two descriptors with the same ID are
	// treated as identical by InsertDescriptor.
	ID() string
}

// SPK is one entry of the tracker's forward map: the script pubkey derived
// at (Keychain, Index), plus its scripthash.
type SPK struct {
	Keychain   string
	Index      uint32
	ScriptHash [32]byte
	Bytes      []byte
}

type ref struct {
	keychain string
	index    uint32
}

// Tracker owns the descriptor-per-keychain set and the bidirectional
// (keychain,index) <-> scripthash maps, enforcing the gap-limit invariant.
type Tracker struct {
	lookahead uint32

	descriptors map[string]Descriptor
	forward     map[string]map[uint32]SPK
	maxIndex    map[string]uint32
	reverse     map[[32]byte]ref
}

// New returns a Tracker configured with the given lookahead: the number of
// unused indices kept derived beyond the highest used one.
func New(lookahead uint32) *Tracker {
	return &Tracker{
		lookahead:   lookahead,
		descriptors: make(map[string]Descriptor),
		forward:     make(map[string]map[uint32]SPK),
		maxIndex:    make(map[string]uint32),
		reverse:     make(map[[32]byte]ref),
	}
}

// InsertDescriptor assigns a descriptor to a keychain. If the keychain
// already holds an identical descriptor (same ID), this is a no-op. If it
// holds a different one, every previously derived SPK for that keychain is
// cleared from both maps before deriving indices 0..=nextIndex+lookahead.
// Returns only the newly added SPKs.
func (t *Tracker) InsertDescriptor(keychain string, d Descriptor, nextIndex uint32) ([]SPK, error) {
	if existing, ok := t.descriptors[keychain]; ok && existing.ID() == d.ID() {
		return nil, nil
	}

	t.clearKeychain(keychain)
	t.descriptors[keychain] = d

	return t.deriveRange(keychain, d, 0, nextIndex+t.lookahead)
}

// MarkUsedAndDeriveNew extends derivation for keychain to cover
// [index+1, index+1+lookahead], returning only the newly derived SPKs.
// It iterates ascending past the indices already present (derivation for
// a keychain is always a contiguous prefix) and derives from the first
// missing index up to the target.
func (t *Tracker) MarkUsedAndDeriveNew(keychain string, index uint32) ([]SPK, error) {
	d, ok := t.descriptors[keychain]
	if !ok {
		return nil, errors.Errorf("tracker: no descriptor registered for keychain %q", keychain)
	}

	target := index + 1 + t.lookahead
	indices := t.forward[keychain]

	start := index + 1
	for start <= target {
		if _, present := indices[start]; !present {
			break
		}
		start++
	}
	if start > target {
		return nil, nil
	}

	return t.deriveRange(keychain, d, start, target)
}

// AllSPKs returns every tracked SPK in deterministic order: keychains
// sorted lexically, indices ascending within a keychain.
func (t *Tracker) AllSPKs() []SPK {
	keychains := make([]string, 0, len(t.forward))
	for k := range t.forward {
		keychains = append(keychains, k)
	}
	sort.Strings(keychains)

	out := make([]SPK, 0)
	for _, k := range keychains {
		indices := make([]uint32, 0, len(t.forward[k]))
		for i := range t.forward[k] {
			indices = append(indices, i)
		}
		sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
		for _, i := range indices {
			out = append(out, t.forward[k][i])
		}
	}
	return out
}

// MaxIndex returns the highest index derived so far for keychain, or
// (0, false) if the keychain has no descriptor registered.
func (t *Tracker) MaxIndex(keychain string) (uint32, bool) {
	idx, ok := t.maxIndex[keychain]
	return idx, ok
}

// IndexOfSPKHash performs the O(1) reverse lookup from scripthash to
// (keychain, index).
func (t *Tracker) IndexOfSPKHash(sh [32]byte) (keychain string, index uint32, ok bool) {
	r, found := t.reverse[sh]
	if !found {
		return "", 0, false
	}
	return r.keychain, r.index, true
}

func (t *Tracker) clearKeychain(keychain string) {
	for _, spk := range t.forward[keychain] {
		delete(t.reverse, spk.ScriptHash)
	}
	delete(t.forward, keychain)
	delete(t.maxIndex, keychain)
}

// deriveRange derives indices [from, to] (inclusive) for keychain, using d,
// and records them in both maps. Derivation errors for a validated
// descriptor are a programmer error, so they are returned rather than
// panicked only because the descriptor contract crosses a package
// boundary here; callers that trust their descriptor may treat a non-nil
// error as fatal.
func (t *Tracker) deriveRange(keychain string, d Descriptor, from, to uint32) ([]SPK, error) {
	if t.forward[keychain] == nil {
		t.forward[keychain] = make(map[uint32]SPK)
	}

	added := make([]SPK, 0, int(to-from)+1)
	for i := from; i <= to; i++ {
		spkBytes, err := d.DeriveSPK(i)
		if err != nil {
			return nil, errors.Wrapf(err, "tracker: deriving SPK for keychain %q index %d", keychain, i)
		}

		spk := SPK{
			Keychain:   keychain,
			Index:      i,
			ScriptHash: sha256.Sum256(spkBytes),
			Bytes:      spkBytes,
		}

		t.forward[keychain][i] = spk
		t.reverse[spk.ScriptHash] = ref{keychain: keychain, index: i}
		added = append(added, spk)

		if i == to {
			break // avoid uint32 overflow when to == math.MaxUint32
		}
	}

	if cur, ok := t.maxIndex[keychain]; !ok || to > cur {
		t.maxIndex[keychain] = to
	}

	return added, nil
}
