// Package cipher encrypts secrets at rest with AES-256-GCM.
//
// Ciphertexts are self-describing: "v1.<key id>.<base64url(nonce || sealed)>". The key id
// is bound as additional authenticated data, so a ciphertext cannot be replayed under a
// different key, and older keys can be kept in the keyring for decryption after rotation.
package cipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/mr-tron/base58"
)

const (
	formatVersion = "v1"

	// KeySize is the required raw key length (AES-256).
	KeySize = 32

	keyIDLength = 8
)

// ErrDecryption is returned for any malformed, tampered or unknown-key ciphertext.
// It never carries the ciphertext or any key material.
var ErrDecryption = errors.New("decryption failed")

// Keyring is the immutable set of keys loaded at startup.
// The primary key encrypts; every key in the ring can decrypt.
type Keyring struct {
	primary string
	aeads   map[string]cipher.AEAD
}

// NewKeyring builds a keyring. The first key is the primary; the remaining keys are
// accepted for decryption only.
func NewKeyring(primary []byte, previous ...[]byte) (*Keyring, error) {
	kr := &Keyring{
		aeads: make(map[string]cipher.AEAD, 1+len(previous)),
	}

	id, err := kr.add(primary)
	if err != nil {
		return nil, fmt.Errorf("primary key: %w", err)
	}
	kr.primary = id

	for i, key := range previous {
		if _, err := kr.add(key); err != nil {
			return nil, fmt.Errorf("previous key %d: %w", i, err)
		}
	}

	return kr, nil
}

// NewKeyringFromBase64 decodes standard base64 keys and builds a keyring.
func NewKeyringFromBase64(primary string, previous ...string) (*Keyring, error) {
	decode := func(s string) ([]byte, error) {
		key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("invalid base64 encryption key: %w", err)
		}
		return key, nil
	}

	primaryKey, err := decode(primary)
	if err != nil {
		return nil, err
	}

	previousKeys := make([][]byte, 0, len(previous))
	for _, p := range previous {
		if strings.TrimSpace(p) == "" {
			continue
		}
		key, err := decode(p)
		if err != nil {
			return nil, err
		}
		previousKeys = append(previousKeys, key)
	}

	return NewKeyring(primaryKey, previousKeys...)
}

func (kr *Keyring) add(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", fmt.Errorf("encryption key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	id := KeyID(key)
	if _, exists := kr.aeads[id]; exists {
		return "", fmt.Errorf("duplicate key %s", id)
	}
	kr.aeads[id] = gcm

	return id, nil
}

// PrimaryKeyID returns the id of the key used for new ciphertexts.
func (kr *Keyring) PrimaryKeyID() string {
	return kr.primary
}

// KeyID derives the public identifier of a key: a prefix of base58(sha256(key)).
func KeyID(key []byte) string {
	sum := sha256.Sum256(key)
	return base58.Encode(sum[:])[:keyIDLength]
}

// Cipher encrypts and decrypts opaque secret strings.
type Cipher struct {
	keyring *Keyring
	rand    io.Reader
}

// New creates a Cipher over the given keyring.
func New(keyring *Keyring) (*Cipher, error) {
	if keyring == nil {
		return nil, errors.New("keyring is required")
	}
	return &Cipher{keyring: keyring, rand: rand.Reader}, nil
}

// Encrypt seals plaintext with the primary key.
func (c *Cipher) Encrypt(plaintext []byte) (string, error) {
	keyID := c.keyring.primary
	gcm := c.keyring.aeads[keyID]

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(c.rand, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, []byte(keyID))

	return formatVersion + "." + keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// EncryptString is a convenience wrapper around Encrypt.
func (c *Cipher) EncryptString(plaintext string) (string, error) {
	return c.Encrypt([]byte(plaintext))
}

// Decrypt opens a ciphertext produced by Encrypt with any key in the ring.
func (c *Cipher) Decrypt(ciphertext string) ([]byte, error) {
	version, rest, ok := strings.Cut(ciphertext, ".")
	if !ok || version != formatVersion {
		return nil, ErrDecryption
	}

	keyID, payload, ok := strings.Cut(rest, ".")
	if !ok {
		return nil, ErrDecryption
	}

	gcm, ok := c.keyring.aeads[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: unknown key %s", ErrDecryption, keyID)
	}

	data, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrDecryption
	}

	if len(data) < gcm.NonceSize()+gcm.Overhead() {
		return nil, ErrDecryption
	}

	nonce, sealed := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, []byte(keyID))
	if err != nil {
		return nil, ErrDecryption
	}

	return plaintext, nil
}

// DecryptString is a convenience wrapper around Decrypt.
func (c *Cipher) DecryptString(ciphertext string) (string, error) {
	plaintext, err := c.Decrypt(ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
