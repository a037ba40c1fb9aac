package persistence

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenOrCreateCreatesThenReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.db")

	f, hdr, err := OpenOrCreate(path)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, hdr.Version)
	pos, err := f.Seek(0, os.SEEK_CUR)
	require.NoError(t, err)
	assert.Equal(t, int64(HeaderSize), pos)
	f.Close()

	f2, hdr2, err := OpenOrCreate(path)
	require.NoError(t, err)
	defer f2.Close()
	assert.Equal(t, CurrentVersion, hdr2.Version)
}

func TestOpenOrCreateRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, os.WriteFile(path, make([]byte, HeaderSize), 0o600))

	_, _, err := OpenOrCreate(path)
	assert.ErrorIs(t, err, ErrBadMagic)
}

func TestOpenOrCreateRejectsFutureVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "future.db")
	buf := make([]byte, HeaderSize)
	copy(buf, magic[:])
	buf[len(magic)] = 0xFF
	buf[len(magic)+1] = 0xFF
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	_, _, err := OpenOrCreate(path)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}
