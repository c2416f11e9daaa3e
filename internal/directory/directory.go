package directory

import (
	"context"
	"errors"

	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
)

var (
	ErrNotFound     = errors.New("entity not found")
	ErrNotLocal     = errors.New("identity has no local private keys")
	ErrMetaMismatch = errors.New("meta does not match identifier")
	ErrBadDocument  = errors.New("document rejected")
)

// Directory resolves entity identifiers to their identity root, profile
// documents and, for local identities only, private key material. The
// protocol core consumes this interface; storage engines implement it.
type Directory interface {
	// Meta returns the immutable identity root for an identifier.
	Meta(ctx context.Context, id ids.Identifier) (entity.Meta, error)
	// Documents returns all known profile documents for an identifier.
	Documents(ctx context.Context, id ids.Identifier) ([]entity.Document, error)
	// SaveMeta stores a meta after validating it against the identifier.
	SaveMeta(ctx context.Context, id ids.Identifier, meta entity.Meta) error
	// SaveDocument stores a document after verifying its self-signature.
	SaveDocument(ctx context.Context, id ids.Identifier, doc entity.Document) error

	// PrivateKeyForSignature returns the local signing key, or ErrNotLocal.
	PrivateKeyForSignature(ctx context.Context, id ids.Identifier) ([]byte, error)
	// PrivateKeysForDecryption returns all local decryption keys, newest
	// first; key rotation means more than one may need to be tried.
	PrivateKeysForDecryption(ctx context.Context, id ids.Identifier) ([][]byte, error)
}

// VerificationKeys collects the keys a signature may verify against, in
// preference order: a verify key declared by the newest valid visa
// first, then the meta key. Visas are self-signed with the meta key, so
// a rotated verify key is still rooted in the identity.
func VerificationKeys(ctx context.Context, dir Directory, id ids.Identifier) ([][]byte, error) {
	meta, err := dir.Meta(ctx, id)
	if err != nil {
		return nil, err
	}
	docs, err := dir.Documents(ctx, id)
	if err != nil {
		return nil, err
	}
	keys := make([][]byte, 0, 2)
	if visa, ok := entity.NewestValid(docs, entity.DocumentTypeVisa, meta.Key); ok {
		if rotated, ok := visa.VerificationKey(); ok {
			keys = append(keys, rotated)
		}
	}
	return append(keys, meta.Key), nil
}

// EncryptionKey resolves the public key to seal message keys to: the
// newest valid visa's key, falling back to the meta key for entities that
// published a seal-capable key in their meta.
func EncryptionKey(ctx context.Context, dir Directory, id ids.Identifier) ([]byte, error) {
	meta, err := dir.Meta(ctx, id)
	if err != nil {
		return nil, err
	}
	docs, err := dir.Documents(ctx, id)
	if err != nil {
		return nil, err
	}
	if visa, ok := entity.NewestValid(docs, entity.DocumentTypeVisa, meta.Key); ok {
		return visa.EncryptionKey()
	}
	return meta.Key, nil
}
