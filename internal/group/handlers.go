package group

import (
	"context"

	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

// handleInvite adds the invite list's non-members. Owner and admins apply
// immediately; an ordinary member's invite is recorded and waits for an
// owner reset to commit it.
func (s *Service) handleInvite(ctx context.Context, sender ids.Identifier, cmd Command, carrier message.Signed, state Membership) (Result, error) {
	if !state.IsMember(sender) {
		return s.reject(cmd, TplForbidden, map[string]any{"group": cmd.Group.String()}), nil
	}
	added := difference(cmd.Members, state.Members)
	if !state.IsAdmin(sender) {
		return s.record(ctx, cmd, carrier)
	}
	if len(added) == 0 {
		return Result{Command: cmd}, nil
	}
	cmd.Added = added
	cmd.Removed = nil
	state.Members = append(state.Members, added...)
	return s.commit(ctx, cmd, carrier, state)
}

// handleJoin records a membership request. A join from someone already in
// the group is a no-op, except that a stale last_time triggers a history
// push so the rejoining device catches up.
func (s *Service) handleJoin(ctx context.Context, sender ids.Identifier, cmd Command, carrier message.Signed, state Membership) (Result, error) {
	if state.IsMember(sender) {
		if s.isStale(ctx, cmd) {
			s.pushHistory(ctx, cmd.Group, sender)
		}
		return Result{Command: cmd}, nil
	}
	return s.record(ctx, cmd, carrier)
}

// handleQuit removes the sender from the member list. The owner and admins
// cannot quit; an owner hands the group over via reset, an admin resigns
// first.
func (s *Service) handleQuit(ctx context.Context, sender ids.Identifier, cmd Command, carrier message.Signed, state Membership) (Result, error) {
	if !state.IsMember(sender) {
		return s.reject(cmd, TplForbidden, map[string]any{"group": cmd.Group.String()}), nil
	}
	if state.IsAdmin(sender) {
		return s.reject(cmd, TplForbidden, map[string]any{"group": cmd.Group.String()}), nil
	}
	cmd.Added = nil
	cmd.Removed = []ids.Identifier{sender}
	state.Members = removeID(state.Members, sender)
	return s.commit(ctx, cmd, carrier, state)
}

// handleResign removes the sender from the admin list. Only a current
// admin can resign, and the owner never can.
func (s *Service) handleResign(ctx context.Context, sender ids.Identifier, cmd Command, carrier message.Signed, state Membership) (Result, error) {
	if state.IsOwner(sender) || !contains(state.Admins, sender) {
		return s.reject(cmd, TplForbidden, map[string]any{"group": cmd.Group.String()}), nil
	}
	cmd.Added = nil
	cmd.Removed = []ids.Identifier{sender}
	state.Admins = removeID(state.Admins, sender)
	return s.commit(ctx, cmd, carrier, state)
}

// handleReset replaces the member list wholesale. On an empty group the
// reset bootstraps it, with the sender as first member and thus owner.
func (s *Service) handleReset(ctx context.Context, sender ids.Identifier, cmd Command, carrier message.Signed, state Membership) (Result, error) {
	if len(cmd.Members) == 0 {
		return s.reject(cmd, TplEmptyGroup, nil), nil
	}
	bootstrap := len(state.Members) == 0
	if bootstrap {
		if !cmd.Members[0].Equal(sender) {
			return s.reject(cmd, TplOwnerFirst, nil), nil
		}
	} else {
		if !state.IsAdmin(sender) {
			return s.reject(cmd, TplForbidden, map[string]any{"group": cmd.Group.String()}), nil
		}
		if !cmd.Members[0].Equal(state.Owner()) {
			return s.reject(cmd, TplOwnerFirst, nil), nil
		}
		for _, admin := range state.Admins {
			if !contains(cmd.Members, admin) {
				return s.reject(cmd, TplExpelAdmin, map[string]any{"admin": admin.String()}), nil
			}
		}
	}
	added := difference(cmd.Members, state.Members)
	removed := difference(state.Members, cmd.Members)
	if len(added) == 0 && len(removed) == 0 {
		return Result{Command: cmd}, nil
	}
	cmd.Added = added
	cmd.Removed = removed
	state.Members = append([]ids.Identifier(nil), cmd.Members...)
	return s.commit(ctx, cmd, carrier, state)
}

// handleQuery compares the requester's known last-history time with the
// group's and pushes the full history only when the requester is behind.
func (s *Service) handleQuery(ctx context.Context, sender ids.Identifier, cmd Command, state Membership) (Result, error) {
	if !state.IsMember(sender) && !state.IsAssistant(sender) {
		return s.reject(cmd, TplForbidden, map[string]any{"group": cmd.Group.String()}), nil
	}
	if !s.isStale(ctx, cmd) {
		return Result{Command: cmd, Receipt: newReceipt(TplNotUpdated, nil)}, nil
	}
	s.pushHistory(ctx, cmd.Group, sender)
	return Result{Command: cmd}, nil
}

// isStale reports whether the command's declared last_time lags behind the
// group's newest recorded command.
func (s *Service) isStale(ctx context.Context, cmd Command) bool {
	entries, err := s.history.Read(ctx, cmd.Group)
	if err != nil || len(entries) == 0 {
		return false
	}
	newest := entries[len(entries)-1].Command.Time
	return cmd.LastTime.Before(newest)
}

func (s *Service) pushHistory(ctx context.Context, groupID, receiver ids.Identifier) {
	if err := s.SendGroupHistories(ctx, groupID, receiver); err != nil {
		s.log.WarnContext(ctx, "group history push failed",
			"group_id", groupID.String(), "error", err)
	}
}

func removeID(list []ids.Identifier, id ids.Identifier) []ids.Identifier {
	out := list[:0:0]
	for _, entry := range list {
		if !entry.Equal(id) {
			out = append(out, entry)
		}
	}
	return out
}
