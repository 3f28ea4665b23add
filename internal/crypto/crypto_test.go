package crypto

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known throwaway key (hardhat account #0).
const (
	testKey     = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	testAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(testAddress), s.Address())

	_, err = NewSigner("zz")
	require.Error(t, err)
}

func TestSignRecover(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)

	digest := RequestDigest("post", "/api/listings/1/purchase", 1_700_000_000, uint256.NewInt(100), []byte(`{}`))
	sig, err := s.Sign(digest)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(sig, "0x"))
	assert.Len(t, sig, 2+130)

	got, err := Recover(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)
	require.NoError(t, Verify(digest, sig, s.Address()))

	other := RequestDigest("POST", "/api/listings/1/purchase", 1_700_000_000, uint256.NewInt(99), []byte(`{}`))
	require.ErrorIs(t, Verify(other, sig, s.Address()), ErrBadSignature)

	_, err = Recover(digest, "0x1234")
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestRequestDigestCanonical(t *testing.T) {
	a := RequestDigest("get", "/x", 1, nil, nil)
	b := RequestDigest("GET", "/x", 1, uint256.NewInt(0), []byte{})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, RequestDigest("GET", "/y", 1, nil, nil))
	assert.NotEqual(t, a, RequestDigest("GET", "/x", 2, nil, nil))
}

func TestSignRequestHeaders(t *testing.T) {
	s, err := NewSigner(testKey)
	require.NoError(t, err)
	at := time.Unix(1_700_000_123, 0)

	h, err := s.SignRequest("POST", "/api/listings", at, nil, []byte(`{"price":"5"}`))
	require.NoError(t, err)
	assert.Equal(t, testAddress, h[HeaderAddress])
	assert.Equal(t, "1700000123", h[HeaderTimestamp])
	assert.NotContains(t, h, HeaderValue)

	h, err = s.SignRequest("POST", "/api/listings/1/purchase", at, uint256.NewInt(7), nil)
	require.NoError(t, err)
	assert.Equal(t, "7", h[HeaderValue])
	digest := RequestDigest("POST", "/api/listings/1/purchase", at.Unix(), uint256.NewInt(7), nil)
	require.NoError(t, Verify(digest, h[HeaderSignature], s.Address()))
}

func TestKeyFileRoundTrip(t *testing.T) {
	blob, err := encryptKey(testKey, "hunter2", 1000)
	require.NoError(t, err)
	assert.Contains(t, string(blob), testAddress)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKey, got)

	_, err = DecryptKey(blob, "wrong")
	require.Error(t, err)
	_, err = DecryptKey(blob, "")
	require.Error(t, err)
	_, err = encryptKey(testKey, "", 1000)
	require.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	k, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, KeyFile: "/nonexistent"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	dir := t.TempDir()
	path := filepath.Join(dir, "key.json")
	blob, err := encryptKey(testKey, "pw", 1000)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err = LoadKey(KeyConfig{KeyFile: path, Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKey, k)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
	_, err = LoadKey(KeyConfig{RawPrivateKey: "nothex"})
	require.Error(t, err)
}

func TestGenerateKey(t *testing.T) {
	k, err := GenerateKey()
	require.NoError(t, err)
	assert.Len(t, k, 64)
	_, err = NewSigner(k)
	require.NoError(t, err)
}
