// Package crypto signs and verifies marketplace API calls and keeps the
// operator's private key encrypted at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	keyFileVersion    = 1
)

// keyFile is the on-disk JSON layout. Binary fields are base64.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address,omitempty"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig lists the places a private key may come from.
type KeyConfig struct {
	// RawPrivateKey wins when set (hex, 0x optional).
	RawPrivateKey string
	KeyFile       string
	Password      string
}

// EncryptKey seals a hex private key with a password-derived AES-256-GCM key.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	return encryptKey(privateKeyHex, password, defaultIterations)
}

func encryptKey(privateKeyHex, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	signer, err := NewSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}
	keyBytes, _ := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generating salt: %w", err)
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generating nonce: %w", err)
	}

	return json.MarshalIndent(keyFile{
		Version:    keyFileVersion,
		Address:    signer.Address().Hex(),
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, keyBytes, nil)),
	}, "", "  ")
}

// DecryptKey opens a blob produced by EncryptKey and returns the key as hex
// without 0x.
func DecryptKey(blob []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}
	var kf keyFile
	if err := json.Unmarshal(blob, &kf); err != nil {
		return "", fmt.Errorf("crypto: parsing key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	if kf.Iterations <= 0 {
		kf.Iterations = defaultIterations
	}

	var fields [3][]byte
	for i, s := range []string{kf.Salt, kf.Nonce, kf.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return "", fmt.Errorf("crypto: decoding key file field %d: %w", i, err)
		}
		fields[i] = b
	}

	gcm, err := newGCM(password, fields[0], kf.Iterations)
	if err != nil {
		return "", err
	}
	plain, err := gcm.Open(nil, fields[1], fields[2], nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decryption failed (wrong password?): %w", err)
	}
	return hex.EncodeToString(plain), nil
}

// WriteKeyFile encrypts the key and writes it with owner-only permissions.
func WriteKeyFile(path, privateKeyHex, password string) error {
	blob, err := EncryptKey(privateKeyHex, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("crypto: writing key file: %w", err)
	}
	return nil
}

// LoadKey resolves the private key: the raw key first, then the key file.
func LoadKey(cfg KeyConfig) (string, error) {
	if cfg.RawPrivateKey != "" {
		k := strings.TrimPrefix(cfg.RawPrivateKey, "0x")
		if _, err := hex.DecodeString(k); err != nil {
			return "", fmt.Errorf("crypto: raw private key is not valid hex: %w", err)
		}
		return k, nil
	}
	if cfg.KeyFile != "" {
		blob, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return "", fmt.Errorf("crypto: reading key file: %w", err)
		}
		return DecryptKey(blob, cfg.Password)
	}
	return "", errors.New("crypto: no private key configured (set BAZAAR_PRIVATE_KEY or --key-file)")
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: creating GCM: %w", err)
	}
	return gcm, nil
}
