package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/friend"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Open err: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedMessage(t *testing.T, s *Store, m chat.Message) chat.Message {
	t.Helper()
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Type == "" {
		m.Type = chat.MessageTypeText
	}
	if err := s.Messages.Create(context.Background(), &m); err != nil {
		t.Fatalf("Create message err: %v", err)
	}
	return m
}

func TestMessageHistoryIsSymmetricAndOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	third := seedMessage(t, s, chat.Message{SenderID: "a", ReceiverID: "b", Content: "third", CreatedAt: base.Add(2 * time.Second)})
	first := seedMessage(t, s, chat.Message{SenderID: "b", ReceiverID: "a", Content: "first", CreatedAt: base})
	second := seedMessage(t, s, chat.Message{SenderID: "a", ReceiverID: "b", Content: "second", CreatedAt: base.Add(time.Second)})
	seedMessage(t, s, chat.Message{SenderID: "a", ReceiverID: "c", Content: "other pair", CreatedAt: base})
	seedMessage(t, s, chat.Message{SenderID: "a", GroupID: "g1", Content: "group", CreatedAt: base})

	ab, err := s.Messages.ListByPair(ctx, "a", "b")
	if err != nil {
		t.Fatalf("ListByPair err: %v", err)
	}
	ba, err := s.Messages.ListByPair(ctx, "b", "a")
	if err != nil {
		t.Fatalf("ListByPair err: %v", err)
	}

	want := []string{first.ID, second.ID, third.ID}
	if len(ab) != len(want) || len(ba) != len(want) {
		t.Fatalf("expected %d messages, got %d and %d", len(want), len(ab), len(ba))
	}
	for i := range want {
		if ab[i].ID != want[i] || ba[i].ID != want[i] {
			t.Fatalf("position %d: got %s / %s want %s", i, ab[i].ID, ba[i].ID, want[i])
		}
	}
}

func TestGroupHistoryAndPinned(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	m1 := seedMessage(t, s, chat.Message{SenderID: "a", GroupID: "g1", Content: "one", CreatedAt: base})
	m2 := seedMessage(t, s, chat.Message{SenderID: "b", GroupID: "g1", Content: "two", CreatedAt: base.Add(time.Minute)})
	seedMessage(t, s, chat.Message{SenderID: "b", GroupID: "g2", Content: "elsewhere", CreatedAt: base})

	history, err := s.Messages.ListByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListByGroup err: %v", err)
	}
	if len(history) != 2 || history[0].ID != m1.ID || history[1].ID != m2.ID {
		t.Fatalf("unexpected group history: %+v", history)
	}

	if err := s.Messages.SetPinned(ctx, m2.ID, true); err != nil {
		t.Fatalf("SetPinned err: %v", err)
	}
	pinned, err := s.Messages.ListPinnedByGroup(ctx, "g1")
	if err != nil {
		t.Fatalf("ListPinnedByGroup err: %v", err)
	}
	if len(pinned) != 1 || pinned[0].ID != m2.ID || !pinned[0].IsPinned {
		t.Fatalf("unexpected pinned: %+v", pinned)
	}

	if err := s.Messages.SetPinned(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPinnedByPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := seedMessage(t, s, chat.Message{SenderID: "a", ReceiverID: "b", Content: "pin me", CreatedAt: time.Now().UTC()})
	seedMessage(t, s, chat.Message{SenderID: "b", ReceiverID: "a", Content: "not pinned", CreatedAt: time.Now().UTC()})
	if err := s.Messages.SetPinned(ctx, m.ID, true); err != nil {
		t.Fatalf("SetPinned err: %v", err)
	}

	pinned, err := s.Messages.ListPinnedByPair(ctx, "b", "a")
	if err != nil {
		t.Fatalf("ListPinnedByPair err: %v", err)
	}
	if len(pinned) != 1 || pinned[0].ID != m.ID {
		t.Fatalf("unexpected pinned: %+v", pinned)
	}
}

func TestSearchCaseSensitivity(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	upper := seedMessage(t, s, chat.Message{SenderID: "a", GroupID: "g1", Content: "Hello World", CreatedAt: base})
	lower := seedMessage(t, s, chat.Message{SenderID: "b", GroupID: "g1", Content: "say hello", CreatedAt: base.Add(time.Second)})
	seedMessage(t, s, chat.Message{SenderID: "b", GroupID: "g1", Content: "goodbye", CreatedAt: base.Add(2 * time.Second)})

	insensitive, err := s.Messages.SearchByGroup(ctx, "g1", "HELLO", false)
	if err != nil {
		t.Fatalf("SearchByGroup err: %v", err)
	}
	if len(insensitive) != 2 || insensitive[0].ID != upper.ID || insensitive[1].ID != lower.ID {
		t.Fatalf("unexpected insensitive matches: %+v", insensitive)
	}

	sensitive, err := s.Messages.SearchByGroup(ctx, "g1", "hello", true)
	if err != nil {
		t.Fatalf("SearchByGroup err: %v", err)
	}
	if len(sensitive) != 1 || sensitive[0].ID != lower.ID {
		t.Fatalf("unexpected sensitive matches: %+v", sensitive)
	}
}

func TestSearchByPairEscapesWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hit := seedMessage(t, s, chat.Message{SenderID: "a", ReceiverID: "b", Content: "50% off", CreatedAt: time.Now().UTC()})
	seedMessage(t, s, chat.Message{SenderID: "b", ReceiverID: "a", Content: "500 off", CreatedAt: time.Now().UTC()})

	got, err := s.Messages.SearchByPair(ctx, "b", "a", "0%", false)
	if err != nil {
		t.Fatalf("SearchByPair err: %v", err)
	}
	if len(got) != 1 || got[0].ID != hit.ID {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestSearchNonASCIIKeyword(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hit := seedMessage(t, s, chat.Message{SenderID: "a", ReceiverID: "b", Content: "XIN CHÀO bạn", CreatedAt: time.Now().UTC()})

	got, err := s.Messages.SearchByPair(ctx, "a", "b", "chào", false)
	if err != nil {
		t.Fatalf("SearchByPair err: %v", err)
	}
	if len(got) != 1 || got[0].ID != hit.ID {
		t.Fatalf("unexpected matches: %+v", got)
	}
}

func TestFriendStoreOneRecordPerPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &friend.Friend{ID: uuid.NewString(), SenderID: "a", ReceiverID: "b", Status: friend.StatusPending}
	if err := s.Friends.Create(ctx, first); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	reverse := &friend.Friend{ID: uuid.NewString(), SenderID: "b", ReceiverID: "a", Status: friend.StatusPending}
	if err := s.Friends.Create(ctx, reverse); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for reverse record, got %v", err)
	}

	found, err := s.Friends.FindByPair(ctx, "b", "a")
	if err != nil || found == nil || found.ID != first.ID {
		t.Fatalf("FindByPair got %+v err %v", found, err)
	}
}

func TestFriendStoreTransitionIsCompareAndSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &friend.Friend{ID: uuid.NewString(), SenderID: "a", ReceiverID: "b", Status: friend.StatusPending}
	if err := s.Friends.Create(ctx, rec); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	accepted := *rec
	accepted.Status = friend.StatusAccepted
	if err := s.Friends.Transition(ctx, &accepted, friend.StatusPending); err != nil {
		t.Fatalf("Transition err: %v", err)
	}

	// the record is no longer PENDING, so a racing cancel must lose
	if err := s.Friends.DeleteIf(ctx, rec.ID, friend.StatusPending); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	peers, err := s.Friends.AcceptedPeers(ctx, "b")
	if err != nil {
		t.Fatalf("AcceptedPeers err: %v", err)
	}
	if len(peers) != 1 || peers[0] != "a" {
		t.Fatalf("unexpected peers: %v", peers)
	}
}

func TestFriendStorePendingAndBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, rec := range []*friend.Friend{
		{ID: uuid.NewString(), SenderID: "a", ReceiverID: "c", Status: friend.StatusPending},
		{ID: uuid.NewString(), SenderID: "b", ReceiverID: "c", Status: friend.StatusPending},
		{ID: uuid.NewString(), SenderID: "c", ReceiverID: "d", Status: friend.StatusBlocked},
	} {
		if err := s.Friends.Create(ctx, rec); err != nil {
			t.Fatalf("Create err: %v", err)
		}
	}

	pending, err := s.Friends.PendingFor(ctx, "c")
	if err != nil {
		t.Fatalf("PendingFor err: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending, got %d", len(pending))
	}

	blocked, err := s.Friends.BlockedBy(ctx, "c")
	if err != nil {
		t.Fatalf("BlockedBy err: %v", err)
	}
	if len(blocked) != 1 || blocked[0] != "d" {
		t.Fatalf("unexpected blocked: %v", blocked)
	}
}

func TestGroupStoreMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	g := &chat.Group{
		ID:        uuid.NewString(),
		Name:      "team",
		CreatorID: "a",
		Active:    true,
		Members: []chat.GroupMember{
			{UserID: "a", Role: chat.RoleOwner},
		},
	}
	if err := s.Groups.Create(ctx, g); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	if err := s.Groups.AddMembers(ctx, g.ID, []string{"b", "c", "a"}); err != nil {
		t.Fatalf("AddMembers err: %v", err)
	}

	found, err := s.Groups.FindByID(ctx, g.ID)
	if err != nil || found == nil {
		t.Fatalf("FindByID got %v err %v", found, err)
	}
	if len(found.Members) != 3 {
		t.Fatalf("expected 3 members, got %d", len(found.Members))
	}
	if role, _ := found.RoleOf("a"); role != chat.RoleOwner {
		t.Fatalf("owner role overwritten: %s", role)
	}

	if err := s.Groups.RemoveMember(ctx, g.ID, "c"); err != nil {
		t.Fatalf("RemoveMember err: %v", err)
	}
	if err := s.Groups.SetRole(ctx, g.ID, "b", chat.RoleAdmin); err != nil {
		t.Fatalf("SetRole err: %v", err)
	}

	groups, err := s.Groups.ListByMember(ctx, "b")
	if err != nil {
		t.Fatalf("ListByMember err: %v", err)
	}
	if len(groups) != 1 || groups[0].Roles()["b"] != chat.RoleAdmin {
		t.Fatalf("unexpected groups: %+v", groups)
	}

	if err := s.Groups.Deactivate(ctx, g.ID); err != nil {
		t.Fatalf("Deactivate err: %v", err)
	}
	groups, err = s.Groups.ListByMember(ctx, "b")
	if err != nil {
		t.Fatalf("ListByMember err: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected dissolved group to be hidden, got %d", len(groups))
	}

	missing, err := s.Groups.FindByID(ctx, "nope")
	if err != nil || missing != nil {
		t.Fatalf("expected nil, nil for missing group, got %v %v", missing, err)
	}
}

func TestUserStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &user.User{ID: uuid.NewString(), Username: "alice", PasswordHash: "x"}
	u.SetPhone("0900000001")
	if err := s.Users.Create(ctx, u); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	noPhone := &user.User{ID: uuid.NewString(), Username: "bob", PasswordHash: "x"}
	if err := s.Users.Create(ctx, noPhone); err != nil {
		t.Fatalf("Create without phone err: %v", err)
	}
	otherNoPhone := &user.User{ID: uuid.NewString(), Username: "carol", PasswordHash: "x"}
	if err := s.Users.Create(ctx, otherNoPhone); err != nil {
		t.Fatalf("second user without phone err: %v", err)
	}

	dup := &user.User{ID: uuid.NewString(), Username: "alice", PasswordHash: "x"}
	if err := s.Users.Create(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}

	byPhone, err := s.Users.FindByPhone(ctx, "0900000001")
	if err != nil || byPhone == nil || byPhone.ID != u.ID {
		t.Fatalf("FindByPhone got %+v err %v", byPhone, err)
	}
	if byPhone.Status != user.StatusOffline {
		t.Fatalf("expected default OFFLINE, got %s", byPhone.Status)
	}

	if changed, err := s.Users.UpdateStatus(ctx, u.ID, user.StatusOnline); err != nil || !changed {
		t.Fatalf("UpdateStatus changed=%v err: %v", changed, err)
	}
	reloaded, _ := s.Users.FindByID(ctx, u.ID)
	if reloaded.Status != user.StatusOnline {
		t.Fatalf("expected ONLINE, got %s", reloaded.Status)
	}
	if changed, err := s.Users.UpdateStatus(ctx, u.ID, user.StatusOnline); err != nil || changed {
		t.Fatalf("repeated UpdateStatus changed=%v err: %v", changed, err)
	}
	if _, err := s.Users.UpdateStatus(ctx, "missing", user.StatusOnline); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	users, err := s.Users.ListByIDs(ctx, []string{u.ID, noPhone.ID, "ghost"})
	if err != nil || len(users) != 2 {
		t.Fatalf("ListByIDs got %d err %v", len(users), err)
	}
}

func TestUserStoreUpdateProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &user.User{ID: uuid.NewString(), Username: "alice", PasswordHash: "x"}
	u.SetPhone("0900000001")
	if err := s.Users.Create(ctx, u); err != nil {
		t.Fatalf("Create err: %v", err)
	}
	taken := &user.User{ID: uuid.NewString(), Username: "bob", PasswordHash: "x"}
	if err := s.Users.Create(ctx, taken); err != nil {
		t.Fatalf("Create err: %v", err)
	}

	u.Username = "alicia"
	u.Phone = nil
	u.Avatar = "/files/a.png"
	if err := s.Users.UpdateProfile(ctx, u); err != nil {
		t.Fatalf("UpdateProfile err: %v", err)
	}
	reloaded, _ := s.Users.FindByID(ctx, u.ID)
	if reloaded.Username != "alicia" || reloaded.Phone != nil || reloaded.Avatar != "/files/a.png" {
		t.Fatalf("unexpected profile: %+v", reloaded)
	}

	u.Username = "bob"
	if err := s.Users.UpdateProfile(ctx, u); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict for taken username, got %v", err)
	}

	if err := s.Users.UpdatePassword(ctx, u.ID, "new-hash"); err != nil {
		t.Fatalf("UpdatePassword err: %v", err)
	}
	if reloaded, _ = s.Users.FindByID(ctx, u.ID); reloaded.PasswordHash != "new-hash" {
		t.Fatalf("password hash not stored: %q", reloaded.PasswordHash)
	}
	if err := s.Users.UpdatePassword(ctx, "missing", "h"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestTokenStoreRevocation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Tokens.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("Revoke err: %v", err)
	}
	if err := s.Tokens.Revoke(ctx, "jti-1", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("repeat Revoke err: %v", err)
	}
	if err := s.Tokens.Revoke(ctx, "jti-old", time.Now().Add(-time.Minute)); err != nil {
		t.Fatalf("Revoke err: %v", err)
	}

	if revoked, err := s.Tokens.IsRevoked(ctx, "jti-1"); err != nil || !revoked {
		t.Fatalf("expected jti-1 revoked, got %v err %v", revoked, err)
	}
	if revoked, _ := s.Tokens.IsRevoked(ctx, "jti-old"); revoked {
		t.Fatal("expired revocation must not count")
	}
	if revoked, _ := s.Tokens.IsRevoked(ctx, "jti-2"); revoked {
		t.Fatal("unknown jti reported revoked")
	}
}
