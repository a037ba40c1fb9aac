// Package persistence implements the thin on-disk contract spec.md §6
// describes for the wallet's persisted state: a versioned change-set store
// keyed by a 22-byte magic prefix. This package only opens or creates that
// file and validates/writes its header; applying updates to the store's
// body is the external wallet's job (streaming/wallet.Store).
package persistence

import (
	"encoding/binary"
	"os"

	"github.com/pkg/errors"
)

// magic identifies an electrumwallet change-set store file. Combined with
// the 2-byte version that follows it, the header is exactly 22 bytes.
var magic = [20]byte{'e', 'l', 'e', 'c', 't', 'r', 'u', 'm', 'w', 'a', 'l', 'l', 'e', 't', '-', 's', 't', 'o', 'r', 'e'}

// CurrentVersion is written to newly created stores.
const CurrentVersion uint16 = 1

// HeaderSize is the fixed on-disk header length: 20-byte magic + 2-byte
// big-endian version.
const HeaderSize = len(magic) + 2

var (
	// ErrBadMagic means the file exists but doesn't carry the expected
	// magic prefix, so it isn't (or isn't any longer) a valid store file.
	ErrBadMagic = errors.New("persistence: file is missing the store magic prefix")

	// ErrUnsupportedVersion means the file's header version is newer than
	// this binary knows how to read.
	ErrUnsupportedVersion = errors.New("persistence: store file version is newer than supported")
)

// Header is the fixed-size prefix of a store file.
type Header struct {
	Version uint16
}

// OpenOrCreate opens path if it exists and validates its header, or creates
// it with a fresh header if it doesn't. The returned file is positioned
// just past the header, ready for the wallet store to read/append its
// change-set body.
func OpenOrCreate(path string) (*os.File, Header, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if os.IsNotExist(err) {
		return create(path)
	}
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "persistence: opening store file")
	}

	hdr, err := readHeader(f)
	if err != nil {
		f.Close()
		return nil, Header{}, err
	}
	return f, hdr, nil
}

func create(path string) (*os.File, Header, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, Header{}, errors.Wrap(err, "persistence: creating store file")
	}

	buf := make([]byte, HeaderSize)
	copy(buf, magic[:])
	binary.BigEndian.PutUint16(buf[len(magic):], CurrentVersion)

	if _, err := f.Write(buf); err != nil {
		f.Close()
		return nil, Header{}, errors.Wrap(err, "persistence: writing store header")
	}
	return f, Header{Version: CurrentVersion}, nil
}

func readHeader(f *os.File) (Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return Header{}, errors.Wrap(err, "persistence: reading store header")
	}

	var gotMagic [20]byte
	copy(gotMagic[:], buf[:len(magic)])
	if gotMagic != magic {
		return Header{}, ErrBadMagic
	}

	version := binary.BigEndian.Uint16(buf[len(magic):])
	if version > CurrentVersion {
		return Header{}, ErrUnsupportedVersion
	}

	if _, err := f.Seek(int64(HeaderSize), 0); err != nil {
		return Header{}, errors.Wrap(err, "persistence: seeking past store header")
	}
	return Header{Version: version}, nil
}
