package entity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"
	"strings"

	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning    = "mist/core/signing/v1"
	hkdfInfoEncryption = "mist/core/encryption/v1"
)

var ErrInvalidMnemonic = errors.New("invalid mnemonic")

// KeyBundle holds the key pairs one account seed yields: an ed25519 pair
// for signing and a curve25519 pair for sealed-key exchange.
type KeyBundle struct {
	SigningPrivate    []byte
	SigningPublic     []byte
	EncryptionPrivate []byte
	EncryptionPublic  []byte
}

// NewMnemonic produces a fresh 24-word account seed phrase.
func NewMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", err
	}
	return bip39.NewMnemonic(entropy)
}

// KeysFromMnemonic deterministically derives the account key bundle from a
// seed phrase, so an account is recoverable from its words alone.
func KeysFromMnemonic(mnemonic string) (*KeyBundle, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	return KeysFromSeed(bip39.NewSeed(mnemonic, ""))
}

// KeysFromSeed derives signing and encryption pairs from raw seed bytes.
func KeysFromSeed(seedBytes []byte) (*KeyBundle, error) {
	signingSeed, err := hkdfExpand(seedBytes, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	encryptionPriv, err := hkdfExpand(seedBytes, hkdfInfoEncryption, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	encryptionPub, err := curve25519.X25519(encryptionPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	return &KeyBundle{
		SigningPrivate:    signingPriv,
		SigningPublic:     signingPriv.Public().(ed25519.PublicKey),
		EncryptionPrivate: encryptionPriv,
		EncryptionPublic:  encryptionPub,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}
