package keycache

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"mist-chat/go-core/internal/mcrypto"
	"mist-chat/go-core/pkg/ids"
)

var (
	ErrBadDestination = errors.New("cannot resolve key destination")
	ErrNoKey          = errors.New("no cached key for destination")
)

const DefaultCacheSize = 512

// Destination computes the logical key-sharing scope for a message: a peer
// identifier for direct traffic, a group identifier when all members share
// one key. The precedence is fixed by the protocol:
//  1. a group-typed receiver with no declared group is the group;
//  2. with no group the destination is the (user-typed) receiver;
//  3. a broadcast group wins over the receiver;
//  4. a broadcast receiver wins over a normal group;
//  5. otherwise the group is the destination.
func Destination(receiver, group ids.Identifier) (ids.Identifier, error) {
	if receiver.IsZero() {
		return ids.Identifier{}, ErrBadDestination
	}
	if group.IsZero() && receiver.IsGroup() {
		group = receiver
	}
	if group.IsZero() {
		if !receiver.IsUser() {
			return ids.Identifier{}, ErrBadDestination
		}
		return receiver, nil
	}
	if group.IsBroadcast() {
		return group, nil
	}
	if receiver.IsBroadcast() {
		return receiver, nil
	}
	return group, nil
}

// Resolver caches one symmetric key per (sender, destination) pair and
// generates fresh keys on demand. Concurrent generate calls for the same
// pair collapse onto a single generated key: both sides of a conversation
// must converge on one key, so a silently overwritten race would be a
// correctness bug, not a cache miss.
type Resolver struct {
	algorithm string
	cache     *lru.Cache[string, mcrypto.SymmetricKey]
	flight    singleflight.Group
}

func NewResolver(size int) (*Resolver, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	cache, err := lru.New[string, mcrypto.SymmetricKey](size)
	if err != nil {
		return nil, err
	}
	return &Resolver{algorithm: mcrypto.AlgorithmXChaCha20, cache: cache}, nil
}

func cacheKey(sender, destination ids.Identifier) string {
	return sender.String() + ">" + destination.String()
}

// GetCipherKey returns the cached key for the pair, generating one when
// generate is set and none exists. Broadcast destinations always resolve
// to the plaintext sentinel key and are never cached as secrets.
func (r *Resolver) GetCipherKey(ctx context.Context, sender, destination ids.Identifier, generate bool) (mcrypto.SymmetricKey, error) {
	if destination.IsBroadcast() {
		return mcrypto.PlainKey(), nil
	}
	if err := ctx.Err(); err != nil {
		return mcrypto.SymmetricKey{}, err
	}
	pair := cacheKey(sender, destination)
	if key, ok := r.cache.Get(pair); ok {
		return key, nil
	}
	if !generate {
		return mcrypto.SymmetricKey{}, ErrNoKey
	}
	result, err, _ := r.flight.Do(pair, func() (any, error) {
		// Re-check under the flight: a racing caller may have generated
		// and cached the key between our miss and this closure running.
		if key, ok := r.cache.Get(pair); ok {
			return key, nil
		}
		cipher, err := mcrypto.CipherFor(r.algorithm)
		if err != nil {
			return nil, err
		}
		key, err := cipher.GenerateKey()
		if err != nil {
			return nil, err
		}
		r.cache.Add(pair, key)
		return key, nil
	})
	if err != nil {
		return mcrypto.SymmetricKey{}, err
	}
	return result.(mcrypto.SymmetricKey), nil
}

// CacheCipherKey stores a key received from a peer for later reuse.
func (r *Resolver) CacheCipherKey(sender, destination ids.Identifier, key mcrypto.SymmetricKey) {
	if destination.IsBroadcast() || key.IsPlain() {
		return
	}
	r.cache.Add(cacheKey(sender, destination), key)
}

// GroupKeyDistributor is an extension point for per-member-wrapped group
// keys. The protocol deliberately leaves distribution strategy open; the
// default distributes nothing and lets each pair fall back to the shared
// destination key.
type GroupKeyDistributor interface {
	GroupKeys(ctx context.Context, group ids.Identifier) (map[string]mcrypto.SymmetricKey, error)
	SaveGroupKeys(ctx context.Context, group ids.Identifier, keys map[string]mcrypto.SymmetricKey) error
}

// NopDistributor is the default GroupKeyDistributor.
type NopDistributor struct{}

func (NopDistributor) GroupKeys(context.Context, ids.Identifier) (map[string]mcrypto.SymmetricKey, error) {
	return nil, nil
}

func (NopDistributor) SaveGroupKeys(context.Context, ids.Identifier, map[string]mcrypto.SymmetricKey) error {
	return nil
}
