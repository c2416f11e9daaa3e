package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"mist-chat/go-core/internal/directory"
	"mist-chat/go-core/internal/keycache"
	"mist-chat/go-core/internal/mcrypto"
	"mist-chat/go-core/internal/wire"
	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

var (
	// ErrKeyUnresolved means the receiver's encryption key could not be
	// found; the message cannot be encrypted for them.
	ErrKeyUnresolved = errors.New("receiver encryption key unresolved")
	// ErrNotLocalSender means the sender's signing key is not held here.
	ErrNotLocalSender = errors.New("sender is not a local identity")
	// ErrVerifyFailed means the signature did not verify. Callers MUST
	// drop the message silently: this is the sole gate against
	// impersonation and an error receipt would leak to an attacker.
	ErrVerifyFailed = errors.New("message signature verification failed")
	// ErrNotForMe means no local private key decrypts the message key.
	// Benign: multi-device fan-out routinely delivers messages sealed
	// for a sibling device.
	ErrNotForMe = errors.New("message not addressed to a local identity")
	// ErrBadKeyData means the sealed key decrypted but did not parse.
	ErrBadKeyData = errors.New("malformed symmetric key data")
)

// Transformer implements the four pipeline stages. All four are pure
// transformations: no retries, no persistent state beyond the transient
// symmetric-key cache handed in.
type Transformer struct {
	Directory directory.Directory
	Keys      *keycache.Resolver
}

func New(dir directory.Directory, keys *keycache.Resolver) *Transformer {
	return &Transformer{Directory: dir, Keys: keys}
}

// EncryptMessage serializes and encrypts plain content, sealing the
// symmetric key to the receiver unless the destination is a broadcast.
func (t *Transformer) EncryptMessage(ctx context.Context, plain message.Plain) (message.Encrypted, error) {
	if err := plain.Validate(); err != nil {
		return message.Encrypted{}, err
	}
	group := plain.Group
	if group.IsZero() {
		group = plain.Content.Group
	}
	dest, err := keycache.Destination(plain.Receiver, group)
	if err != nil {
		return message.Encrypted{}, err
	}
	key, err := t.Keys.GetCipherKey(ctx, plain.Sender, dest, true)
	if err != nil {
		return message.Encrypted{}, err
	}
	cipher, err := mcrypto.CipherFor(key.Algorithm)
	if err != nil {
		return message.Encrypted{}, err
	}
	contentData, err := message.EncodeContent(plain.Content)
	if err != nil {
		return message.Encrypted{}, err
	}
	data, usedKey, err := cipher.Encrypt(key, contentData)
	if err != nil {
		return message.Encrypted{}, err
	}

	out := message.Encrypted{Envelope: plain.Envelope, Data: data}
	if dest.IsBroadcast() {
		// Broadcast messages carry no key material at any stage.
		return out, nil
	}

	receiverPub, err := directory.EncryptionKey(ctx, t.Directory, plain.Receiver)
	if err != nil {
		return message.Encrypted{}, fmt.Errorf("%w: %v", ErrKeyUnresolved, err)
	}
	keyData, err := serializeKey(usedKey)
	if err != nil {
		return message.Encrypted{}, err
	}
	sealed, err := mcrypto.Seal(receiverPub, keyData)
	if err != nil {
		return message.Encrypted{}, fmt.Errorf("%w: %v", ErrKeyUnresolved, err)
	}
	out.Key = sealed
	return out, nil
}

// SignMessage signs the ciphertext with the sender's local signing key.
func (t *Transformer) SignMessage(ctx context.Context, enc message.Encrypted) (message.Signed, error) {
	priv, err := t.Directory.PrivateKeyForSignature(ctx, enc.Sender)
	if err != nil {
		return message.Signed{}, fmt.Errorf("%w: %v", ErrNotLocalSender, err)
	}
	signature, err := mcrypto.Sign(priv, enc.Data)
	if err != nil {
		return message.Signed{}, err
	}
	return message.Signed{Encrypted: enc, Signature: signature}, nil
}

// VerifyMessage checks the signature against the sender's verification
// keys, visa key preferred, meta key as fallback. An attached meta/visa is
// absorbed into the directory first so first-contact senders can be
// verified at all.
func (t *Transformer) VerifyMessage(ctx context.Context, signed message.Signed) (message.Encrypted, error) {
	if signed.Meta != nil {
		if err := t.Directory.SaveMeta(ctx, signed.Sender, *signed.Meta); err != nil {
			return message.Encrypted{}, ErrVerifyFailed
		}
	}
	if signed.Visa != nil {
		if err := t.Directory.SaveDocument(ctx, signed.Sender, *signed.Visa); err != nil {
			return message.Encrypted{}, ErrVerifyFailed
		}
	}
	keys, err := directory.VerificationKeys(ctx, t.Directory, signed.Sender)
	if err != nil {
		return message.Encrypted{}, ErrVerifyFailed
	}
	for _, pub := range keys {
		if mcrypto.Verify(pub, signed.Data, signed.Signature) {
			return signed.Encrypted, nil
		}
	}
	return message.Encrypted{}, ErrVerifyFailed
}

// DecryptMessage unseals the symmetric key with the local receiver's
// private keys (several may need to be tried after rotation), decrypts the
// content and deserializes it.
func (t *Transformer) DecryptMessage(ctx context.Context, enc message.Encrypted) (message.Plain, error) {
	dest, err := keycache.Destination(enc.Receiver, enc.Group)
	if err != nil {
		return message.Plain{}, err
	}

	var key mcrypto.SymmetricKey
	switch {
	case dest.IsBroadcast():
		key = mcrypto.PlainKey()
	default:
		sealed := enc.Key
		if len(sealed) == 0 && len(enc.Keys) > 0 {
			sealed = enc.Keys[enc.Receiver.String()]
		}
		if len(sealed) == 0 {
			// Key omitted: the peer reused a previously shared key.
			key, err = t.Keys.GetCipherKey(ctx, enc.Sender, dest, false)
			if err != nil {
				return message.Plain{}, ErrNotForMe
			}
		} else {
			key, err = t.unsealKey(ctx, enc.Receiver, sealed)
			if err != nil {
				return message.Plain{}, err
			}
			t.Keys.CacheCipherKey(enc.Sender, dest, key)
		}
	}

	cipher, err := mcrypto.CipherFor(key.Algorithm)
	if err != nil {
		return message.Plain{}, err
	}
	contentData, err := cipher.Decrypt(key, enc.Data)
	if err != nil {
		return message.Plain{}, err
	}
	content, err := message.DecodeContent(contentData)
	if err != nil {
		return message.Plain{}, err
	}
	return message.Plain{Envelope: enc.Envelope, Content: content}, nil
}

// unsealKey tries every local decryption key in turn; failure to open with
// any of them means the message was sealed for someone else.
func (t *Transformer) unsealKey(ctx context.Context, receiver ids.Identifier, sealed []byte) (mcrypto.SymmetricKey, error) {
	privs, err := t.Directory.PrivateKeysForDecryption(ctx, receiver)
	if err != nil {
		return mcrypto.SymmetricKey{}, ErrNotForMe
	}
	for _, priv := range privs {
		keyData, err := mcrypto.Open(priv, sealed)
		if err != nil {
			continue
		}
		return deserializeKey(keyData)
	}
	return mcrypto.SymmetricKey{}, ErrNotForMe
}

func serializeKey(key mcrypto.SymmetricKey) ([]byte, error) {
	fields := map[string]any{
		"algorithm": key.Algorithm,
		"data":      base64.StdEncoding.EncodeToString(key.Data),
	}
	if len(key.IV) > 0 {
		fields["iv"] = base64.StdEncoding.EncodeToString(key.IV)
	}
	short, err := wire.ShortenKey(fields)
	if err != nil {
		return nil, err
	}
	return wire.Serialize(short)
}

func deserializeKey(data []byte) (mcrypto.SymmetricKey, error) {
	short, err := wire.Deserialize(data)
	if err != nil {
		return mcrypto.SymmetricKey{}, ErrBadKeyData
	}
	fields, err := wire.RestoreKey(short)
	if err != nil {
		return mcrypto.SymmetricKey{}, ErrBadKeyData
	}
	var key mcrypto.SymmetricKey
	algorithm, ok := fields["algorithm"].(string)
	if !ok {
		return mcrypto.SymmetricKey{}, ErrBadKeyData
	}
	key.Algorithm = algorithm
	if raw, ok := fields["data"].(string); ok {
		key.Data, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return mcrypto.SymmetricKey{}, ErrBadKeyData
		}
	}
	if raw, ok := fields["iv"].(string); ok {
		key.IV, err = base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return mcrypto.SymmetricKey{}, ErrBadKeyData
		}
	}
	return key, nil
}
