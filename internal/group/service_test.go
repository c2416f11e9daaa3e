package group

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"mist-chat/go-core/pkg/ids"
	"mist-chat/go-core/pkg/message"
)

var (
	owner  = ids.New(ids.KindUser, "owner", []byte("owner-key"))
	admin  = ids.New(ids.KindUser, "admin", []byte("admin-key"))
	bob    = ids.New(ids.KindUser, "bob", []byte("bob-key"))
	carol  = ids.New(ids.KindUser, "carol", []byte("carol-key"))
	dave   = ids.New(ids.KindUser, "dave", []byte("dave-key"))
	helper = ids.New(ids.KindBot, "helper", []byte("helper-key"))
	devs   = ids.New(ids.KindGroup, "devs", []byte("devs-key"))
)

func testCommand(name CommandName, at time.Time, members ...ids.Identifier) Command {
	return Command{Group: devs, Name: name, Time: at, Members: members}
}

func testCarrier(sender ids.Identifier, at time.Time) message.Signed {
	return message.Signed{
		Encrypted: message.Encrypted{
			Envelope: message.Envelope{
				Sender:   sender,
				Receiver: devs,
				Time:     at,
				Type:     message.TypeCommand,
			},
			Data: []byte("ciphertext"),
		},
		Signature: []byte("signature"),
	}
}

func newTestService(t *testing.T) (*Service, *MemoryHistory, *MemoryMembership) {
	t.Helper()
	history := NewMemoryHistory()
	members := NewMemoryMembership()
	svc := NewService(history, members)
	return svc, history, members
}

func seedGroup(t *testing.T, members *MemoryMembership, state Membership) {
	t.Helper()
	if err := members.SaveMembership(context.Background(), devs, state); err != nil {
		t.Fatalf("seed membership failed: %v", err)
	}
}

func mustHandle(t *testing.T, svc *Service, sender ids.Identifier, cmd Command) Result {
	t.Helper()
	res, err := svc.Handle(context.Background(), sender, cmd, testCarrier(sender, cmd.Time))
	if err != nil {
		t.Fatalf("handle %s failed: %v", cmd.Name, err)
	}
	return res
}

func sameIDs(a []ids.Identifier, b ...ids.Identifier) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}

func TestInviteAddsOnlyNewMembers(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	at := time.Unix(1000, 0).UTC()
	res := mustHandle(t, svc, owner, testCommand(CmdInvite, at, bob, carol, dave))

	if !res.Applied {
		t.Fatalf("invite not applied: %+v", res)
	}
	if !sameIDs(res.Command.Added, carol, dave) {
		t.Fatalf("added mismatch: got=%v want=[carol dave]", res.Command.Added)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner, bob, carol, dave) {
		t.Fatalf("member list mismatch: %v", state.Members)
	}
	entries, _ := history.Read(context.Background(), devs)
	if len(entries) != 1 || entries[0].Command.Name != CmdInvite {
		t.Fatalf("history mismatch: %v", entries)
	}
}

func TestInviteByOrdinaryMemberIsQueued(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	res := mustHandle(t, svc, bob, testCommand(CmdInvite, time.Unix(1000, 0), carol))

	if res.Applied || !res.Queued {
		t.Fatalf("expected queued result, got %+v", res)
	}
	if res.Receipt == nil || res.Receipt.Template != TplUnderReview {
		t.Fatalf("expected review receipt, got %+v", res.Receipt)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner, bob) {
		t.Fatalf("membership must be unchanged: %v", state.Members)
	}
	entries, _ := history.Read(context.Background(), devs)
	if len(entries) != 1 {
		t.Fatalf("queued invite must be recorded: %v", entries)
	}
}

func TestInviteByNonMemberRejected(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner}})

	res := mustHandle(t, svc, carol, testCommand(CmdInvite, time.Unix(1000, 0), dave))

	if res.Receipt == nil || res.Receipt.Template != TplForbidden {
		t.Fatalf("expected forbidden receipt, got %+v", res.Receipt)
	}
	entries, _ := history.Read(context.Background(), devs)
	if len(entries) != 0 {
		t.Fatalf("rejected command must not be recorded: %v", entries)
	}
}

func TestJoinRecordedForReview(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner}})

	res := mustHandle(t, svc, carol, testCommand(CmdJoin, time.Unix(1000, 0)))

	if !res.Queued || res.Applied {
		t.Fatalf("join must queue, got %+v", res)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner) {
		t.Fatalf("join must not change membership: %v", state.Members)
	}
	entries, _ := history.Read(context.Background(), devs)
	if len(entries) != 1 || entries[0].Command.Name != CmdJoin {
		t.Fatalf("join must be recorded: %v", entries)
	}
}

func TestJoinByMemberIsNoOp(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	res := mustHandle(t, svc, bob, testCommand(CmdJoin, time.Unix(1000, 0)))

	if res.Applied || res.Queued || res.Receipt != nil {
		t.Fatalf("member join must be a no-op, got %+v", res)
	}
	entries, _ := history.Read(context.Background(), devs)
	if len(entries) != 0 {
		t.Fatalf("no-op must not touch history: %v", entries)
	}
}

func TestQuitRemovesSender(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob, carol}})

	res := mustHandle(t, svc, bob, testCommand(CmdQuit, time.Unix(1000, 0)))

	if !res.Applied || !sameIDs(res.Command.Removed, bob) {
		t.Fatalf("quit not applied correctly: %+v", res)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner, carol) {
		t.Fatalf("member list mismatch: %v", state.Members)
	}
}

func TestQuitByOwnerOrAdminRejected(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{
		Members: []ids.Identifier{owner, admin, bob},
		Admins:  []ids.Identifier{admin},
	})

	for _, sender := range []ids.Identifier{owner, admin} {
		res := mustHandle(t, svc, sender, testCommand(CmdQuit, time.Unix(1000, 0)))
		if res.Receipt == nil || res.Receipt.Template != TplForbidden {
			t.Fatalf("%s quit must be rejected, got %+v", sender.Name, res.Receipt)
		}
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner, admin, bob) {
		t.Fatalf("membership must be unchanged: %v", state.Members)
	}
}

func TestResignRemovesAdmin(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{
		Members: []ids.Identifier{owner, admin},
		Admins:  []ids.Identifier{admin},
	})

	res := mustHandle(t, svc, admin, testCommand(CmdResign, time.Unix(1000, 0)))

	if !res.Applied || !sameIDs(res.Command.Removed, admin) {
		t.Fatalf("resign not applied: %+v", res)
	}
	state, _ := members.Membership(context.Background(), devs)
	if len(state.Admins) != 0 {
		t.Fatalf("admin list must be empty: %v", state.Admins)
	}
	if !sameIDs(state.Members, owner, admin) {
		t.Fatalf("resign must not drop membership: %v", state.Members)
	}
}

func TestResignByOwnerRejected(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner}})

	res := mustHandle(t, svc, owner, testCommand(CmdResign, time.Unix(1000, 0)))
	if res.Receipt == nil || res.Receipt.Template != TplForbidden {
		t.Fatalf("owner resign must be rejected, got %+v", res.Receipt)
	}
}

func TestResignExpiration(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{
		Members: []ids.Identifier{owner, admin, bob},
		Admins:  []ids.Identifier{admin, bob},
	})

	mustHandle(t, svc, admin, testCommand(CmdResign, time.Unix(2000, 0)))

	res := mustHandle(t, svc, bob, testCommand(CmdResign, time.Unix(1500, 0)))
	if res.Receipt == nil || res.Receipt.Template != TplExpired {
		t.Fatalf("stale resign must expire, got %+v", res.Receipt)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Admins, bob) {
		t.Fatalf("expired resign must not apply: %v", state.Admins)
	}
}

func TestResetReplacesMembers(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{
		Members: []ids.Identifier{owner, bob, carol},
		Admins:  []ids.Identifier{carol},
	})

	cases := []struct {
		name     string
		proposed []ids.Identifier
		template string
	}{
		{name: "owner not first", proposed: []ids.Identifier{bob, owner}, template: TplOwnerFirst},
		{name: "admin expelled", proposed: []ids.Identifier{owner, bob}, template: TplExpelAdmin},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			res := mustHandle(t, svc, owner, testCommand(CmdReset, time.Unix(1000, 0), tc.proposed...))
			if res.Receipt == nil || res.Receipt.Template != tc.template {
				t.Fatalf("reset receipt mismatch: got=%+v want=%s", res.Receipt, tc.template)
			}
		})
	}

	res := mustHandle(t, svc, owner, testCommand(CmdReset, time.Unix(1001, 0), owner, bob, carol, dave))
	if !res.Applied {
		t.Fatalf("valid reset must apply: %+v", res)
	}
	if !sameIDs(res.Command.Added, dave) || len(res.Command.Removed) != 0 {
		t.Fatalf("reset diff mismatch: added=%v removed=%v", res.Command.Added, res.Command.Removed)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner, bob, carol, dave) {
		t.Fatalf("member list mismatch: %v", state.Members)
	}
}

func TestResetBootstrapsEmptyGroup(t *testing.T) {
	svc, _, members := newTestService(t)

	res := mustHandle(t, svc, owner, testCommand(CmdReset, time.Unix(1000, 0), owner, bob))
	if !res.Applied {
		t.Fatalf("bootstrap reset must apply: %+v", res)
	}
	state, _ := members.Membership(context.Background(), devs)
	if !state.IsOwner(owner) || !sameIDs(state.Members, owner, bob) {
		t.Fatalf("bootstrap state mismatch: %v", state.Members)
	}

	res = mustHandle(t, svc, carol, testCommand(CmdReset, time.Unix(1001, 0), carol))
	if res.Receipt == nil || res.Receipt.Template != TplForbidden {
		t.Fatalf("non-admin reset must be rejected, got %+v", res.Receipt)
	}
}

func TestEmptyGroupGuard(t *testing.T) {
	svc, _, _ := newTestService(t)

	res := mustHandle(t, svc, owner, testCommand(CmdInvite, time.Unix(1000, 0), bob))
	if res.Receipt == nil || res.Receipt.Template != TplEmptyGroup {
		t.Fatalf("empty group invite must be rejected, got %+v", res.Receipt)
	}
}

func TestQueryUpToDate(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	mustHandle(t, svc, owner, testCommand(CmdInvite, time.Unix(1000, 0), carol))

	cmd := testCommand(CmdQuery, time.Unix(1001, 0))
	cmd.LastTime = time.Unix(1000, 0).UTC()
	res := mustHandle(t, svc, bob, cmd)
	if res.Receipt == nil || res.Receipt.Template != TplNotUpdated {
		t.Fatalf("up-to-date query must get a not-updated receipt, got %+v", res.Receipt)
	}
}

func TestQueryPushesHistoryWhenStale(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{
		Members:    []ids.Identifier{owner, bob},
		Assistants: []ids.Identifier{helper},
	})

	var sentTo []ids.Identifier
	var sent []message.Content
	svc.send = func(_ context.Context, receiver ids.Identifier, content message.Content) error {
		sentTo = append(sentTo, receiver)
		sent = append(sent, content)
		return nil
	}

	mustHandle(t, svc, owner, testCommand(CmdInvite, time.Unix(2000, 0), carol))

	cmd := testCommand(CmdQuery, time.Unix(2001, 0))
	cmd.LastTime = time.Unix(1000, 0).UTC()
	res := mustHandle(t, svc, helper, cmd)
	if res.Receipt != nil {
		t.Fatalf("stale query must not get a receipt, got %+v", res.Receipt)
	}
	if len(sentTo) != 1 || !sentTo[0].Equal(helper) {
		t.Fatalf("history must go to the requester: %v", sentTo)
	}

	carried, err := UnpackHistories(sent[0])
	if err != nil {
		t.Fatalf("unpack histories failed: %v", err)
	}
	if len(carried) != 1 || !carried[0].Sender.Equal(owner) {
		t.Fatalf("carried history mismatch: %v", carried)
	}
}

func TestQueryByOutsiderRejected(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner}})

	res := mustHandle(t, svc, carol, testCommand(CmdQuery, time.Unix(1000, 0)))
	if res.Receipt == nil || res.Receipt.Template != TplForbidden {
		t.Fatalf("outsider query must be rejected, got %+v", res.Receipt)
	}
}

type failingHistory struct {
	*MemoryHistory
}

func (f failingHistory) Append(context.Context, HistoryEntry) error {
	return errors.New("disk full")
}

func TestFailedAppendAbandonsMutation(t *testing.T) {
	members := NewMemoryMembership()
	svc := NewService(failingHistory{NewMemoryHistory()}, members)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	cmd := testCommand(CmdInvite, time.Unix(1000, 0), carol)
	_, err := svc.Handle(context.Background(), owner, cmd, testCarrier(owner, cmd.Time))
	if err == nil {
		t.Fatal("append failure must surface as an error")
	}
	state, _ := members.Membership(context.Background(), devs)
	if !sameIDs(state.Members, owner, bob) {
		t.Fatalf("failed append must leave membership untouched: %v", state.Members)
	}
}

func TestHistoryClears(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	mustHandle(t, svc, owner, testCommand(CmdReset, time.Unix(1000, 0), owner, bob, carol))
	mustHandle(t, svc, owner, testCommand(CmdInvite, time.Unix(1001, 0), dave))
	mustHandle(t, svc, carol, testCommand(CmdQuit, time.Unix(1002, 0)))

	if err := history.ClearMemberHistory(context.Background(), devs); err != nil {
		t.Fatalf("clear member history failed: %v", err)
	}
	entries, _ := history.Read(context.Background(), devs)
	if len(entries) != 1 || entries[0].Command.Name != CmdReset {
		t.Fatalf("member clear must keep resets only: %v", entries)
	}

	if err := history.ClearAdminHistory(context.Background(), devs); err != nil {
		t.Fatalf("clear admin history failed: %v", err)
	}
	entries, _ = history.Read(context.Background(), devs)
	if len(entries) != 0 {
		t.Fatalf("admin clear must drop resets: %v", entries)
	}
}

func TestCommandContentRoundTrip(t *testing.T) {
	cmd := Command{
		Group:   devs,
		Name:    CmdReset,
		Time:    time.Unix(5000, 0).UTC(),
		Members: []ids.Identifier{owner, bob},
		Added:   []ids.Identifier{bob},
	}
	got, err := ParseCommand(cmd.Content())
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if got.Name != cmd.Name || !got.Group.Equal(cmd.Group) || !got.Time.Equal(cmd.Time) {
		t.Fatalf("header mismatch: got=%+v want=%+v", got, cmd)
	}
	if !sameIDs(got.Members, owner, bob) || !sameIDs(got.Added, bob) {
		t.Fatalf("list mismatch: got=%+v", got)
	}
}

func TestConcurrentInvitesSerializePerGroup(t *testing.T) {
	svc, history, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	const invites = 16
	at := time.Unix(1000, 0).UTC()
	guests := make([]ids.Identifier, invites)
	for i := range guests {
		guests[i] = ids.New(ids.KindUser, fmt.Sprintf("guest%02d", i), []byte{byte(i)})
	}

	var wg sync.WaitGroup
	results := make([]Result, invites)
	errs := make([]error, invites)
	for i := range guests {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cmd := testCommand(CmdInvite, at, guests[i])
			results[i], errs[i] = svc.Handle(context.Background(), owner, cmd, testCarrier(owner, at))
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("invite %d failed: %v", i, errs[i])
		}
		if results[i].Applied {
			applied++
		}
	}
	if applied != invites {
		t.Fatalf("applied invites: got=%d want=%d", applied, invites)
	}

	entries, err := history.Read(context.Background(), devs)
	if err != nil {
		t.Fatalf("read history failed: %v", err)
	}
	if len(entries) != applied {
		t.Fatalf("history length: got=%d want=%d", len(entries), applied)
	}
	state, err := members.Membership(context.Background(), devs)
	if err != nil {
		t.Fatalf("read membership failed: %v", err)
	}
	if len(state.Members) != 2+invites {
		t.Fatalf("member count: got=%d want=%d", len(state.Members), 2+invites)
	}
	for _, guest := range guests {
		if !contains(state.Members, guest) {
			t.Fatalf("guest %s missing from members", guest)
		}
	}
}

func TestGroupLocksReleasedAfterHandle(t *testing.T) {
	svc, _, members := newTestService(t)
	seedGroup(t, members, Membership{Members: []ids.Identifier{owner, bob}})

	at := time.Unix(1000, 0).UTC()
	mustHandle(t, svc, owner, testCommand(CmdInvite, at, carol))

	svc.mu.Lock()
	held := len(svc.locks)
	svc.mu.Unlock()
	if held != 0 {
		t.Fatalf("lock map entries after handle: got=%d want=0", held)
	}
}
