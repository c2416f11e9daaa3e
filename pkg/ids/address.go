package ids

import (
	"crypto/sha256"

	"github.com/mr-tron/base58/base58"
)

const (
	addressDigestLen   = 20
	addressChecksumLen = 4
)

// DeriveAddress computes the base58check address bound to key fingerprint
// data: one kind byte, the truncated double-SHA256 of the data, and a
// four-byte checksum over both.
func DeriveAddress(kind Kind, data []byte) string {
	first := sha256.Sum256(data)
	second := sha256.Sum256(first[:])

	payload := make([]byte, 0, 1+addressDigestLen+addressChecksumLen)
	payload = append(payload, byte(kind))
	payload = append(payload, second[:addressDigestLen]...)
	sum := sha256.Sum256(payload)
	payload = append(payload, sum[:addressChecksumLen]...)
	return base58.Encode(payload)
}

// AddressKind recovers the kind byte from an address and validates its
// checksum.
func AddressKind(address string) (Kind, error) {
	payload, err := base58.Decode(address)
	if err != nil {
		return 0, ErrInvalidAddress
	}
	if len(payload) != 1+addressDigestLen+addressChecksumLen {
		return 0, ErrInvalidAddress
	}
	body := payload[:1+addressDigestLen]
	sum := sha256.Sum256(body)
	tail := payload[1+addressDigestLen:]
	for i := 0; i < addressChecksumLen; i++ {
		if tail[i] != sum[i] {
			return 0, ErrInvalidAddress
		}
	}
	kind := Kind(payload[0])
	if !kind.Valid() {
		return 0, ErrInvalidKind
	}
	return kind, nil
}

// New builds an identifier for derived key fingerprint data.
func New(kind Kind, name string, data []byte) Identifier {
	return Identifier{
		Kind:    kind,
		Name:    name,
		Address: DeriveAddress(kind, data),
	}
}
