package group

import (
	"context"
	"errors"
	"sync"

	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

var ErrHistoryStore = errors.New("group history store failure")

// HistoryEntry is one accepted (or recorded-for-review) command together
// with the signed message that carried it, kept verbatim for resync.
type HistoryEntry struct {
	Command Command
	Message message.Signed
}

// HistoryStore is the append-only command log per group. Append must be
// durable before any derived state is updated; a failed append aborts the
// whole operation.
type HistoryStore interface {
	Append(ctx context.Context, entry HistoryEntry) error
	Read(ctx context.Context, group ids.Identifier) ([]HistoryEntry, error)
	LastByName(ctx context.Context, group ids.Identifier, name CommandName) (HistoryEntry, bool, error)

	// ClearAdminHistory drops reset entries, ClearMemberHistory the
	// invite, join, quit and resign entries. Both keep relative order of
	// whatever survives.
	ClearAdminHistory(ctx context.Context, group ids.Identifier) error
	ClearMemberHistory(ctx context.Context, group ids.Identifier) error
}

// MemoryHistory is the in-process HistoryStore used by tests and
// single-node setups.
type MemoryHistory struct {
	mu      sync.RWMutex
	entries map[string][]HistoryEntry
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{entries: make(map[string][]HistoryEntry)}
}

func (m *MemoryHistory) Append(_ context.Context, entry HistoryEntry) error {
	if entry.Command.Group.IsZero() {
		return ErrMissingGroup
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entry.Command.Group.String()
	m.entries[key] = append(m.entries[key], entry)
	return nil
}

func (m *MemoryHistory) Read(_ context.Context, group ids.Identifier) ([]HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.entries[group.String()]
	out := make([]HistoryEntry, len(stored))
	copy(out, stored)
	return out, nil
}

func (m *MemoryHistory) LastByName(_ context.Context, group ids.Identifier, name CommandName) (HistoryEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	stored := m.entries[group.String()]
	for i := len(stored) - 1; i >= 0; i-- {
		if stored[i].Command.Name == name {
			return stored[i], true, nil
		}
	}
	return HistoryEntry{}, false, nil
}

func (m *MemoryHistory) ClearAdminHistory(_ context.Context, group ids.Identifier) error {
	m.filter(group, func(e HistoryEntry) bool { return e.Command.Name != CmdReset })
	return nil
}

func (m *MemoryHistory) ClearMemberHistory(_ context.Context, group ids.Identifier) error {
	m.filter(group, func(e HistoryEntry) bool {
		switch e.Command.Name {
		case CmdInvite, CmdJoin, CmdQuit, CmdResign:
			return false
		default:
			return true
		}
	})
	return nil
}

func (m *MemoryHistory) filter(group ids.Identifier, keep func(HistoryEntry) bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := group.String()
	kept := m.entries[key][:0:0]
	for _, entry := range m.entries[key] {
		if keep(entry) {
			kept = append(kept, entry)
		}
	}
	m.entries[key] = kept
}
