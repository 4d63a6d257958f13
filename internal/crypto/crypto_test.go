package crypto

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestSealOpenRoundTrip(t *testing.T) {
	blob, err := Seal("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := Open(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = Open(blob, "wrong")
	assert.Error(t, err)
	_, err = Seal(testKeyHex, "")
	assert.Error(t, err)
	_, err = Seal("abcd", "pw")
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	blob, err := Seal(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(dir, "keeper.key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	fromFile, err := Resolve(KeySource{File: path, Password: "pw"})
	require.NoError(t, err)
	fromRaw, err := Resolve(KeySource{Raw: "0x" + testKeyHex})
	require.NoError(t, err)

	assert.Equal(t, testKeyHex, hex.EncodeToString(ethcrypto.FromECDSA(fromFile)))
	assert.Equal(t, ethcrypto.PubkeyToAddress(fromFile.PublicKey), ethcrypto.PubkeyToAddress(fromRaw.PublicKey))

	_, err = Resolve(KeySource{})
	assert.Error(t, err)
	assert.False(t, KeySource{}.Configured())
}

func TestWalletSignMessage(t *testing.T) {
	key, err := Resolve(KeySource{Raw: testKeyHex})
	require.NoError(t, err)
	w := NewWallet(key)

	sig, err := w.SignMessage([]byte("ledger snapshot"))
	require.NoError(t, err)

	signer, err := RecoverSigner([]byte("ledger snapshot"), sig)
	require.NoError(t, err)
	assert.Equal(t, w.Address(), signer)

	other, err := RecoverSigner([]byte("tampered"), sig)
	require.NoError(t, err)
	assert.NotEqual(t, w.Address(), other)
}
