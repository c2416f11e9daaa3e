package mcrypto

import (
	"crypto/rand"
	"errors"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// AlgorithmXChaCha20 is the default content cipher.
	AlgorithmXChaCha20 = "XCHACHA20-POLY1305"
	// AlgorithmPlain marks the sentinel key used for broadcast destinations,
	// which are never encrypted.
	AlgorithmPlain = "PLAIN"
)

var (
	ErrUnknownAlgorithm = errors.New("unknown symmetric algorithm")
	ErrDecryptFailed    = errors.New("symmetric decryption failed")
	ErrInvalidKey       = errors.New("invalid symmetric key")
)

// SymmetricKey is transient key material shared by one destination scope.
type SymmetricKey struct {
	Algorithm string `json:"algorithm"`
	Data      []byte `json:"data,omitempty"`
	IV        []byte `json:"iv,omitempty"`
}

func (k SymmetricKey) IsPlain() bool {
	return k.Algorithm == AlgorithmPlain
}

// PlainKey is the shared sentinel for broadcast destinations.
func PlainKey() SymmetricKey {
	return SymmetricKey{Algorithm: AlgorithmPlain}
}

// SymmetricCipher is a pluggable content cipher. Implementations must be
// safe for concurrent use.
type SymmetricCipher interface {
	Name() string
	GenerateKey() (SymmetricKey, error)
	Encrypt(key SymmetricKey, plaintext []byte) ([]byte, SymmetricKey, error)
	Decrypt(key SymmetricKey, ciphertext []byte) ([]byte, error)
}

var (
	cipherMu       sync.RWMutex
	cipherRegistry = map[string]SymmetricCipher{}
)

func RegisterCipher(c SymmetricCipher) {
	cipherMu.Lock()
	defer cipherMu.Unlock()
	cipherRegistry[c.Name()] = c
}

func CipherFor(algorithm string) (SymmetricCipher, error) {
	cipherMu.RLock()
	defer cipherMu.RUnlock()
	c, ok := cipherRegistry[algorithm]
	if !ok {
		return nil, ErrUnknownAlgorithm
	}
	return c, nil
}

func init() {
	RegisterCipher(xchachaCipher{})
	RegisterCipher(plainCipher{})
}

type xchachaCipher struct{}

func (xchachaCipher) Name() string { return AlgorithmXChaCha20 }

func (xchachaCipher) GenerateKey() (SymmetricKey, error) {
	data := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(data); err != nil {
		return SymmetricKey{}, err
	}
	return SymmetricKey{Algorithm: AlgorithmXChaCha20, Data: data}, nil
}

// Encrypt seals plaintext and returns the key with the nonce used, so that
// the serialized key carries everything the receiver needs.
func (xchachaCipher) Encrypt(key SymmetricKey, plaintext []byte) ([]byte, SymmetricKey, error) {
	if len(key.Data) != chacha20poly1305.KeySize {
		return nil, SymmetricKey{}, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key.Data)
	if err != nil {
		return nil, SymmetricKey{}, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, SymmetricKey{}, err
	}
	out := key
	out.IV = nonce
	return aead.Seal(nil, nonce, plaintext, nil), out, nil
}

func (xchachaCipher) Decrypt(key SymmetricKey, ciphertext []byte) ([]byte, error) {
	if len(key.Data) != chacha20poly1305.KeySize || len(key.IV) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidKey
	}
	aead, err := chacha20poly1305.NewX(key.Data)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, key.IV, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// plainCipher passes data through unchanged. Broadcast messages only.
type plainCipher struct{}

func (plainCipher) Name() string { return AlgorithmPlain }

func (plainCipher) GenerateKey() (SymmetricKey, error) {
	return PlainKey(), nil
}

func (plainCipher) Encrypt(key SymmetricKey, plaintext []byte) ([]byte, SymmetricKey, error) {
	return plaintext, key, nil
}

func (plainCipher) Decrypt(_ SymmetricKey, ciphertext []byte) ([]byte, error) {
	return ciphertext, nil
}
