package descriptor

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/square/electrumwallet/utils"
)

const singleXpub = "xpub6CjzRxucHWJbmtuNTg6EjPax3V75AhsBRnFKn8MEkc8UFFEhrCoWcQN6oUBhfZWoFKqTyQ21iNVK8KMbC44ifW25uyXaMPWkRtpwcbAWXJx"

func TestDeriveSPKMatchesKnownScript(t *testing.T) {
	d := NewXpub(Mainnet, []string{singleXpub}, 1, 0)

	spk, err := d.DeriveSPK(5)
	require.NoError(t, err)
	assert.Equal(t, "76a914e70369bfda4ba9bdcbb96cfd269a768573d0624c88ac", hex.EncodeToString(spk))
}

func TestDeriveSPKIsDeterministic(t *testing.T) {
	d := NewXpub(Mainnet, []string{singleXpub}, 1, 0)

	first, err := d.DeriveSPK(7)
	require.NoError(t, err)
	second, err := d.DeriveSPK(7)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestDeriveSPKVariesByIndexAndChange(t *testing.T) {
	external := NewXpub(Mainnet, []string{singleXpub}, 1, 0)
	internal := NewXpub(Mainnet, []string{singleXpub}, 1, 1)

	spk0, err := external.DeriveSPK(0)
	require.NoError(t, err)
	spk1, err := external.DeriveSPK(1)
	require.NoError(t, err)
	assert.NotEqual(t, spk0, spk1)

	changeSpk0, err := internal.DeriveSPK(0)
	require.NoError(t, err)
	assert.NotEqual(t, spk0, changeSpk0)
}

func TestIDIsStableAcrossInstances(t *testing.T) {
	a := NewXpub(Mainnet, []string{singleXpub}, 1, 0)
	b := NewXpub(Mainnet, []string{singleXpub}, 1, 0)
	assert.Equal(t, a.ID(), b.ID())
}

func TestIDDiffersByChangeMAndXpubSet(t *testing.T) {
	base := NewXpub(Mainnet, []string{singleXpub}, 1, 0)

	changeKeychain := NewXpub(Mainnet, []string{singleXpub}, 1, 1)
	assert.NotEqual(t, base.ID(), changeKeychain.ID())

	differentM := NewXpub(Mainnet, []string{singleXpub}, 2, 0)
	assert.NotEqual(t, base.ID(), differentM.ID())

	differentXpubs := NewXpub(Mainnet, []string{singleXpub, singleXpub}, 1, 0)
	assert.NotEqual(t, base.ID(), differentXpubs.ID())
}
