package securestore

import (
	"bytes"
	"crypto/rand"
	"errors"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// securestore seals private key material at rest. The passphrase is
// stretched with argon2id and the payload sealed with XChaCha20-Poly1305.
// The caller's label is bound as associated data, so an envelope sealed
// for one purpose cannot be replayed as another.

const (
	envelopeVersion = 2
	saltSize        = 16

	// Unsealing happens once per process start, so the profile leans on
	// memory and lanes instead of interactive latency.
	kdfTime     = 3
	kdfMemoryKB = 128 * 1024
	kdfThreads  = 4

	// Hard ceiling when reading foreign envelopes, keeps a corrupt
	// parameter block from allocating gigabytes.
	kdfMemoryKBMax = 1024 * 1024
)

var sealMagic = []byte("MISTSEAL\x02")

var (
	ErrAuthFailed = errors.New("securestore authentication failed")
	ErrInvalid    = errors.New("securestore envelope is invalid")
	ErrNotSealed  = errors.New("securestore data is not a sealed envelope")
)

// Envelope is the at-rest format. KDF parameters travel with the file so
// the profile can be raised later without breaking existing seals.
type Envelope struct {
	Version  uint32 `cbor:"v"`
	Time     uint32 `cbor:"t"`
	MemoryKB uint32 `cbor:"m"`
	Threads  uint8  `cbor:"p"`
	Salt     []byte `cbor:"s"`
	Nonce    []byte `cbor:"n"`
	Box      []byte `cbor:"x"`
}

// Seal encrypts plaintext under the passphrase with label as associated
// data and returns the framed envelope bytes.
func Seal(passphrase, label string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := argon2.IDKey([]byte(passphrase), salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	env := Envelope{
		Version:  envelopeVersion,
		Time:     kdfTime,
		MemoryKB: kdfMemoryKB,
		Threads:  kdfThreads,
		Salt:     salt,
		Nonce:    nonce,
		Box:      aead.Seal(nil, nonce, plaintext, []byte(label)),
	}
	raw, err := cbor.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append(append([]byte{}, sealMagic...), raw...), nil
}

// Open reverses Seal. A wrong passphrase and a wrong label are
// indistinguishable; both come back as ErrAuthFailed.
func Open(passphrase, label string, data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, sealMagic) {
		return nil, ErrNotSealed
	}
	var env Envelope
	if err := cbor.Unmarshal(data[len(sealMagic):], &env); err != nil {
		return nil, ErrInvalid
	}
	if env.Version != envelopeVersion {
		return nil, ErrInvalid
	}
	if env.Time == 0 || env.Threads == 0 || env.MemoryKB == 0 || env.MemoryKB > kdfMemoryKBMax {
		return nil, ErrInvalid
	}
	if len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	key := argon2.IDKey([]byte(passphrase), env.Salt, env.Time, env.MemoryKB, env.Threads, chacha20poly1305.KeySize)
	defer zeroBytes(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Box, []byte(label))
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
