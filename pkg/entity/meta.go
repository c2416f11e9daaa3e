package entity

import (
	"bytes"
	"errors"

	"mist-chat/go-core/internal/mcrypto"
	"mist-chat/go-core/pkg/ids"
)

const (
	// MetaVersionSimple binds an address directly to the public key.
	MetaVersionSimple uint8 = 1
	// MetaVersionNamed additionally binds a name seed via a fingerprint.
	MetaVersionNamed uint8 = 2
)

var (
	ErrInvalidMeta  = errors.New("invalid meta")
	ErrMetaMismatch = errors.New("meta does not match identifier")
)

// Meta is an entity's immutable identity root. For named identities the
// fingerprint is the key's signature over the seed, proving the name is
// bound to the key.
type Meta struct {
	Version     uint8  `json:"version"`
	Key         []byte `json:"key"`
	Seed        string `json:"seed,omitempty"`
	Fingerprint []byte `json:"fingerprint,omitempty"`
}

// NewMeta builds a named meta, signing the seed with the matching private key.
func NewMeta(signingPriv, signingPub []byte, seed string) (Meta, error) {
	if seed == "" {
		return Meta{Version: MetaVersionSimple, Key: append([]byte(nil), signingPub...)}, nil
	}
	fingerprint, err := mcrypto.Sign(signingPriv, []byte(seed))
	if err != nil {
		return Meta{}, err
	}
	return Meta{
		Version:     MetaVersionNamed,
		Key:         append([]byte(nil), signingPub...),
		Seed:        seed,
		Fingerprint: fingerprint,
	}, nil
}

// Valid checks internal consistency: a named meta's key must verify the
// fingerprint over the seed.
func (m Meta) Valid() bool {
	if len(m.Key) == 0 {
		return false
	}
	switch m.Version {
	case MetaVersionSimple:
		return m.Seed == "" && len(m.Fingerprint) == 0
	case MetaVersionNamed:
		if m.Seed == "" || len(m.Fingerprint) == 0 {
			return false
		}
		return mcrypto.Verify(m.Key, []byte(m.Seed), m.Fingerprint)
	default:
		return false
	}
}

// addressData is the byte material the address is derived from: the
// fingerprint for named identities, the raw key otherwise.
func (m Meta) addressData() []byte {
	if m.Version == MetaVersionNamed {
		return m.Fingerprint
	}
	return m.Key
}

// DeriveAddress computes the address this meta yields for a kind.
func (m Meta) DeriveAddress(kind ids.Kind) string {
	return ids.DeriveAddress(kind, m.addressData())
}

// Identifier builds the identifier this meta generates.
func (m Meta) Identifier(kind ids.Kind) ids.Identifier {
	return ids.Identifier{Kind: kind, Name: m.Seed, Address: m.DeriveAddress(kind)}
}

// Matches reports whether the meta generates the given identifier: it must
// be internally valid, the derived address must equal the identifier's
// address, and a named meta's seed must equal the identifier's name.
func (m Meta) Matches(id ids.Identifier) bool {
	if !m.Valid() {
		return false
	}
	if m.Version == MetaVersionNamed && m.Seed != id.Name {
		return false
	}
	return m.DeriveAddress(id.Kind) == id.Address
}

// MatchesKey reports whether the meta carries the given public key.
func (m Meta) MatchesKey(pub []byte) bool {
	return bytes.Equal(m.Key, pub)
}
