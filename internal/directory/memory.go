package directory

import (
	"context"
	"encoding/base64"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"mist-chat/go-core/internal/securestore"
	"mist-chat/go-core/pkg/entity"
	"mist-chat/go-core/pkg/ids"
)

const (
	defaultEntityCacheSize = 256
	localKeysLabel         = "directory/local-keys"
)

// Memory is an in-process Directory backed by maps plus an LRU cache of
// resolved encryption keys, which is the hot lookup on the encrypt path.
type Memory struct {
	mu        sync.RWMutex
	metas     map[string]entity.Meta
	documents map[string][]entity.Document
	signKeys  map[string][]byte
	decKeys   map[string][][]byte

	encKeyCache *lru.Cache[string, []byte]
}

func NewMemory(cacheSize int) (*Memory, error) {
	if cacheSize <= 0 {
		cacheSize = defaultEntityCacheSize
	}
	cache, err := lru.New[string, []byte](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Memory{
		metas:       map[string]entity.Meta{},
		documents:   map[string][]entity.Document{},
		signKeys:    map[string][]byte{},
		decKeys:     map[string][][]byte{},
		encKeyCache: cache,
	}, nil
}

func (m *Memory) Meta(_ context.Context, id ids.Identifier) (entity.Meta, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	meta, ok := m.metas[id.Address]
	if !ok {
		return entity.Meta{}, ErrNotFound
	}
	return meta, nil
}

func (m *Memory) Documents(_ context.Context, id ids.Identifier) ([]entity.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	docs := m.documents[id.Address]
	out := make([]entity.Document, len(docs))
	copy(out, docs)
	return out, nil
}

func (m *Memory) SaveMeta(_ context.Context, id ids.Identifier, meta entity.Meta) error {
	if !meta.Matches(id) {
		return ErrMetaMismatch
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	// Metas are immutable: first write wins, identical rewrites are fine.
	if existing, ok := m.metas[id.Address]; ok {
		if !existing.MatchesKey(meta.Key) {
			return ErrMetaMismatch
		}
		return nil
	}
	m.metas[id.Address] = meta
	return nil
}

func (m *Memory) SaveDocument(_ context.Context, id ids.Identifier, doc entity.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.metas[id.Address]
	if !ok {
		return ErrNotFound
	}
	if !doc.Verify(meta.Key) {
		return ErrBadDocument
	}
	m.documents[id.Address] = append(m.documents[id.Address], doc)
	m.encKeyCache.Remove(id.Address)
	return nil
}

func (m *Memory) PrivateKeyForSignature(_ context.Context, id ids.Identifier) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.signKeys[id.Address]
	if !ok {
		return nil, ErrNotLocal
	}
	return key, nil
}

func (m *Memory) PrivateKeysForDecryption(_ context.Context, id ids.Identifier) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys, ok := m.decKeys[id.Address]
	if !ok {
		return nil, ErrNotLocal
	}
	out := make([][]byte, len(keys))
	copy(out, keys)
	return out, nil
}

// RegisterLocal installs a local identity's private keys. Rotated
// decryption keys accumulate newest first.
func (m *Memory) RegisterLocal(id ids.Identifier, bundle *entity.KeyBundle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.signKeys[id.Address] = bundle.SigningPrivate
	m.decKeys[id.Address] = append([][]byte{bundle.EncryptionPrivate}, m.decKeys[id.Address]...)
}

// CachedEncryptionKey memoizes EncryptionKey lookups per address.
func (m *Memory) CachedEncryptionKey(ctx context.Context, id ids.Identifier) ([]byte, error) {
	if key, ok := m.encKeyCache.Get(id.Address); ok {
		return key, nil
	}
	key, err := EncryptionKey(ctx, m, id)
	if err != nil {
		return nil, err
	}
	m.encKeyCache.Add(id.Address, key)
	return key, nil
}

type sealedLocalKeys struct {
	Version  int                 `json:"version"`
	SignKeys map[string]string   `json:"sign_keys"`
	DecKeys  map[string][]string `json:"dec_keys"`
}

// SealLocalKeys writes all local private key material to an encrypted
// envelope file. Public state (metas, documents) is not included.
func (m *Memory) SealLocalKeys(path, passphrase string) error {
	m.mu.RLock()
	payload := sealedLocalKeys{
		Version:  1,
		SignKeys: make(map[string]string, len(m.signKeys)),
		DecKeys:  make(map[string][]string, len(m.decKeys)),
	}
	for addr, key := range m.signKeys {
		payload.SignKeys[addr] = base64.StdEncoding.EncodeToString(key)
	}
	for addr, keys := range m.decKeys {
		encoded := make([]string, len(keys))
		for i, key := range keys {
			encoded[i] = base64.StdEncoding.EncodeToString(key)
		}
		payload.DecKeys[addr] = encoded
	}
	m.mu.RUnlock()
	return securestore.WriteSealedJSON(path, passphrase, localKeysLabel, payload)
}

// LoadLocalKeys restores private key material sealed by SealLocalKeys.
func (m *Memory) LoadLocalKeys(path, passphrase string) error {
	var payload sealedLocalKeys
	if err := securestore.ReadSealedJSON(path, passphrase, localKeysLabel, &payload); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, encoded := range payload.SignKeys {
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return err
		}
		m.signKeys[addr] = key
	}
	for addr, list := range payload.DecKeys {
		keys := make([][]byte, len(list))
		for i, encoded := range list {
			key, err := base64.StdEncoding.DecodeString(encoded)
			if err != nil {
				return err
			}
			keys[i] = key
		}
		m.decKeys[addr] = keys
	}
	return nil
}
