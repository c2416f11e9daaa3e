package mcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const hkdfInfoSealed = "mist/core/sealed-key/v1"

var (
	ErrInvalidPublicKey  = errors.New("invalid public key")
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrOpenFailed        = errors.New("sealed box open failed")
)

// Sign signs data with an ed25519 private key.
func Sign(priv []byte, data []byte) ([]byte, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivateKey
	}
	return ed25519.Sign(ed25519.PrivateKey(priv), data), nil
}

// Verify checks an ed25519 signature. A malformed key verifies nothing.
func Verify(pub []byte, data, signature []byte) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, signature)
}

// Seal encrypts plaintext to a curve25519 recipient key using an ephemeral
// key exchange: the output is ephemeralPub || nonce || ciphertext.
func Seal(recipientPub []byte, plaintext []byte) ([]byte, error) {
	if len(recipientPub) != curve25519.PointSize {
		return nil, ErrInvalidPublicKey
	}
	ephPriv := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(ephPriv); err != nil {
		return nil, err
	}
	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipientPub)
	if err != nil {
		return nil, err
	}
	key, err := sealedBoxKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(ephPub)+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, ephPub...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Open reverses Seal with the recipient's curve25519 private key.
func Open(recipientPriv []byte, sealed []byte) ([]byte, error) {
	if len(recipientPriv) != curve25519.ScalarSize {
		return nil, ErrInvalidPrivateKey
	}
	headerLen := curve25519.PointSize + chacha20poly1305.NonceSizeX
	if len(sealed) < headerLen {
		return nil, ErrOpenFailed
	}
	ephPub := sealed[:curve25519.PointSize]
	nonce := sealed[curve25519.PointSize:headerLen]
	ciphertext := sealed[headerLen:]

	shared, err := curve25519.X25519(recipientPriv, ephPub)
	if err != nil {
		return nil, ErrOpenFailed
	}
	recipientPub, err := curve25519.X25519(recipientPriv, curve25519.Basepoint)
	if err != nil {
		return nil, ErrOpenFailed
	}
	key, err := sealedBoxKey(shared, ephPub, recipientPub)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

func sealedBoxKey(shared, ephPub, recipientPub []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephPub)+len(recipientPub))
	salt = append(salt, ephPub...)
	salt = append(salt, recipientPub...)
	reader := hkdf.New(sha256.New, shared, salt, []byte(hkdfInfoSealed))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, err
	}
	return key, nil
}
