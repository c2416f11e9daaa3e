package group

import (
	"context"
	"sync"

	"mist-chat/go-core/pkg/ids"
)

// Membership is the derived view of one group, rebuilt from the command
// history. The first member is the owner.
type Membership struct {
	Members    []ids.Identifier
	Admins     []ids.Identifier
	Assistants []ids.Identifier
}

// Owner is the first member, or a zero identifier for an empty group.
func (m Membership) Owner() ids.Identifier {
	if len(m.Members) == 0 {
		return ids.Identifier{}
	}
	return m.Members[0]
}

func (m Membership) IsOwner(id ids.Identifier) bool {
	return !id.IsZero() && m.Owner().Equal(id)
}

func (m Membership) IsAdmin(id ids.Identifier) bool {
	return m.IsOwner(id) || contains(m.Admins, id)
}

func (m Membership) IsMember(id ids.Identifier) bool {
	return contains(m.Members, id)
}

func (m Membership) IsAssistant(id ids.Identifier) bool {
	return contains(m.Assistants, id)
}

func (m Membership) clone() Membership {
	out := Membership{
		Members:    make([]ids.Identifier, len(m.Members)),
		Admins:     make([]ids.Identifier, len(m.Admins)),
		Assistants: make([]ids.Identifier, len(m.Assistants)),
	}
	copy(out.Members, m.Members)
	copy(out.Admins, m.Admins)
	copy(out.Assistants, m.Assistants)
	return out
}

// MembershipStore keeps the derived member lists per group.
type MembershipStore interface {
	Membership(ctx context.Context, group ids.Identifier) (Membership, error)
	SaveMembership(ctx context.Context, group ids.Identifier, m Membership) error
}

// MemoryMembership is the in-process MembershipStore.
type MemoryMembership struct {
	mu     sync.RWMutex
	groups map[string]Membership
}

func NewMemoryMembership() *MemoryMembership {
	return &MemoryMembership{groups: make(map[string]Membership)}
}

func (s *MemoryMembership) Membership(_ context.Context, group ids.Identifier) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.groups[group.String()].clone(), nil
}

func (s *MemoryMembership) SaveMembership(_ context.Context, group ids.Identifier, m Membership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[group.String()] = m.clone()
	return nil
}
