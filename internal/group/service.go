package group

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"mist-chat/go-core/internal/platform/metrics"
	"mist-chat/go-core/internal/platform/ratelimiter"
	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

// SendFunc delivers a content node to one receiver. The service uses it
// for history pushes; receipts travel back through the Result instead.
type SendFunc func(ctx context.Context, receiver ids.Identifier, content message.Content) error

// Result is the outcome of one handled command. Exactly one of Applied,
// Queued, or Receipt describes what happened; a nil Receipt with neither
// flag set means the command was a harmless no-op.
type Result struct {
	Applied bool
	Queued  bool
	Command Command
	Receipt *Receipt
}

// Service applies group commands against the shared history. Mutations for
// the same group are serialized; different groups proceed in parallel.
type Service struct {
	history HistoryStore
	members MembershipStore
	limiter *ratelimiter.SenderLimiter
	metrics *metrics.Core
	send    SendFunc
	log     *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*groupLock
}

func NewService(history HistoryStore, members MembershipStore, opts ...Option) *Service {
	s := &Service{
		history: history,
		members: members,
		log:     slog.Default(),
		now:     time.Now,
		locks:   make(map[string]*groupLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type Option func(*Service)

func WithLimiter(l *ratelimiter.SenderLimiter) Option { return func(s *Service) { s.limiter = l } }
func WithMetrics(m *metrics.Core) Option              { return func(s *Service) { s.metrics = m } }
func WithSender(send SendFunc) Option                 { return func(s *Service) { s.send = send } }
func WithLogger(log *slog.Logger) Option              { return func(s *Service) { s.log = log } }
func WithClock(now func() time.Time) Option           { return func(s *Service) { s.now = now } }

// Handle runs one signed command through the common guards and its
// handler. carrier is the original signed message, kept in history
// verbatim for later resync.
func (s *Service) Handle(ctx context.Context, sender ids.Identifier, cmd Command, carrier message.Signed) (Result, error) {
	if !cmd.Name.Valid() {
		return Result{}, ErrInvalidCommand
	}
	if cmd.Group.IsZero() {
		return Result{}, ErrMissingGroup
	}
	if !s.limiter.Allow(sender, s.now()) {
		return s.reject(cmd, TplTooFrequent, nil), nil
	}

	lock := s.lockGroup(cmd.Group)
	defer s.unlockGroup(cmd.Group, lock)

	// Same-name commands are logically ordered; an older timestamp than
	// the last recorded one means the command already lost the race.
	last, found, err := s.history.LastByName(ctx, cmd.Group, cmd.Name)
	if err != nil {
		return Result{}, err
	}
	if found && cmd.Time.Before(last.Command.Time) {
		return s.reject(cmd, TplExpired, nil), nil
	}

	state, err := s.members.Membership(ctx, cmd.Group)
	if err != nil {
		return Result{}, err
	}
	if len(state.Members) == 0 && cmd.Name != CmdReset {
		return s.reject(cmd, TplEmptyGroup, nil), nil
	}

	switch cmd.Name {
	case CmdInvite:
		return s.handleInvite(ctx, sender, cmd, carrier, state)
	case CmdJoin:
		return s.handleJoin(ctx, sender, cmd, carrier, state)
	case CmdQuit:
		return s.handleQuit(ctx, sender, cmd, carrier, state)
	case CmdReset:
		return s.handleReset(ctx, sender, cmd, carrier, state)
	case CmdResign:
		return s.handleResign(ctx, sender, cmd, carrier, state)
	case CmdQuery:
		return s.handleQuery(ctx, sender, cmd, state)
	default:
		return Result{}, ErrInvalidCommand
	}
}

// groupLock serializes same-group mutations. Entries are refcounted and
// dropped on release, so the map only holds groups with commands in
// flight and cannot grow with the number of group identifiers seen.
type groupLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Service) lockGroup(group ids.Identifier) *groupLock {
	key := group.String()
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &groupLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()
	lock.mu.Lock()
	return lock
}

func (s *Service) unlockGroup(group ids.Identifier, lock *groupLock) {
	lock.mu.Unlock()
	s.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, group.String())
	}
	s.mu.Unlock()
}

// commit appends first, then updates the derived lists. A failed append
// abandons the mutation so state never runs ahead of history.
func (s *Service) commit(ctx context.Context, cmd Command, carrier message.Signed, state Membership) (Result, error) {
	if err := s.history.Append(ctx, HistoryEntry{Command: cmd, Message: carrier}); err != nil {
		return Result{}, err
	}
	if err := s.members.SaveMembership(ctx, cmd.Group, state); err != nil {
		return Result{}, err
	}
	if s.metrics != nil {
		s.metrics.CommandsApplied.WithLabelValues(string(cmd.Name)).Inc()
	}
	s.log.DebugContext(ctx, "group command applied",
		"command", string(cmd.Name),
		"group_id", cmd.Group.String(),
		"added", len(cmd.Added),
		"removed", len(cmd.Removed))
	return Result{Applied: true, Command: cmd}, nil
}

// record keeps a proposal in history without touching membership.
func (s *Service) record(ctx context.Context, cmd Command, carrier message.Signed) (Result, error) {
	if err := s.history.Append(ctx, HistoryEntry{Command: cmd, Message: carrier}); err != nil {
		return Result{}, err
	}
	s.log.DebugContext(ctx, "group command recorded for review",
		"command", string(cmd.Name),
		"group_id", cmd.Group.String())
	return Result{Queued: true, Command: cmd, Receipt: newReceipt(TplUnderReview, nil)}, nil
}

func (s *Service) reject(cmd Command, template string, values map[string]any) Result {
	if s.metrics != nil {
		s.metrics.CommandsRejected.WithLabelValues(string(cmd.Name)).Inc()
	}
	return Result{Command: cmd, Receipt: newReceipt(template, values)}
}
