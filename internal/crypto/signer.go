package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Request authentication headers.
const (
	HeaderAddress   = "X-Bazaar-Address"
	HeaderTimestamp = "X-Bazaar-Timestamp"
	HeaderValue     = "X-Bazaar-Value"
	HeaderSignature = "X-Bazaar-Signature"
)

// ErrBadSignature is returned when a signature is malformed or does not
// recover to the claimed address.
var ErrBadSignature = errors.New("crypto: bad signature")

// RequestDigest hashes the canonical form of a signed API call:
//
//	keccak256(method "\n" path "\n" timestamp "\n" value "\n" keccak256(body))
//
// A nil value is encoded as "0".
func RequestDigest(method, path string, timestamp int64, value *uint256.Int, body []byte) []byte {
	v := "0"
	if value != nil {
		v = value.Dec()
	}
	bodyHash := ethcrypto.Keccak256(body)
	msg := strings.Join([]string{
		strings.ToUpper(method),
		path,
		strconv.FormatInt(timestamp, 10),
		v,
		hex.EncodeToString(bodyHash),
	}, "\n")
	return ethcrypto.Keccak256([]byte(msg))
}

// Signer signs request digests with a secp256k1 key.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner parses a hex private key, with or without 0x.
func NewSigner(privateKeyHex string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// GenerateKey returns a fresh private key as hex without 0x.
func GenerateKey() (string, error) {
	pk, err := ethcrypto.GenerateKey()
	if err != nil {
		return "", fmt.Errorf("crypto/signer: generate key: %w", err)
	}
	return hex.EncodeToString(ethcrypto.FromECDSA(pk)), nil
}

// Address returns the signer's account.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign produces an EIP-191 personal signature over digest as 0x-prefixed
// hex (r || s || v, v in {27,28}).
func (s *Signer) Sign(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(digest), s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignRequest returns the authentication headers for one API call.
func (s *Signer) SignRequest(method, path string, at time.Time, value *uint256.Int, body []byte) (map[string]string, error) {
	ts := at.Unix()
	sig, err := s.Sign(RequestDigest(method, path, ts, value, body))
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		HeaderAddress:   s.address.Hex(),
		HeaderTimestamp: strconv.FormatInt(ts, 10),
		HeaderSignature: sig,
	}
	if value != nil && !value.IsZero() {
		headers[HeaderValue] = value.Dec()
	}
	return headers, nil
}

// Recover returns the account that produced sigHex over digest.
func Recover(digest []byte, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != ethcrypto.SignatureLength {
		return common.Address{}, ErrBadSignature
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(digest), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// Verify checks that sigHex over digest was made by want.
func Verify(digest []byte, sigHex string, want common.Address) error {
	got, err := Recover(digest, sigHex)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("%w: signed by %s", ErrBadSignature, got.Hex())
	}
	return nil
}
