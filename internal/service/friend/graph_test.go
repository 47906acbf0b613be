package friend

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-chat/backend/internal/model/friend"
	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events map[string][]realtime.FriendEvent
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, env realtime.Envelope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.events == nil {
		n.events = make(map[string][]realtime.FriendEvent)
	}
	ev, _ := env.Data.(realtime.FriendEvent)
	n.events[userID] = append(n.events[userID], ev)
	return 1
}

func (n *recordingNotifier) eventsFor(userID string) []realtime.FriendEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.events[userID]
}

func newTestGraph(t *testing.T, users ...string) (*Graph, *recordingNotifier) {
	t.Helper()
	s, err := store.Open(store.Config{
		Driver: "sqlite",
		DSN:    "file:" + uuid.NewString() + "?mode=memory&cache=shared",
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	for i, id := range users {
		u := &user.User{ID: id, Username: id, PasswordHash: "x"}
		u.SetPhone("09000000" + string(rune('0'+i)))
		if err := s.Users.Create(context.Background(), u); err != nil {
			t.Fatalf("seed user %s: %v", id, err)
		}
	}

	notifier := &recordingNotifier{}
	return New(s.Friends, s.Users, notifier, zaptest.NewLogger(t)), notifier
}

func mustState(t *testing.T, g *Graph, a, b string, want friend.State) friend.Relationship {
	t.Helper()
	rel, err := g.State(context.Background(), a, b)
	if err != nil {
		t.Fatalf("State err: %v", err)
	}
	if rel.State != want {
		t.Fatalf("state(%s,%s) = %s, want %s", a, b, rel.State, want)
	}
	return rel
}

func mustFriends(t *testing.T, g *Graph, userID string, want ...string) {
	t.Helper()
	got, err := g.Friends(context.Background(), userID)
	if err != nil {
		t.Fatalf("Friends err: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("friends(%s) = %v, want %v", userID, got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("friends(%s) = %v, want %v", userID, got, want)
		}
	}
}

func TestRequestAcceptDelete(t *testing.T) {
	g, notifier := newTestGraph(t, "a", "b")
	ctx := context.Background()

	req, err := g.SendRequest(ctx, "a", "b")
	if err != nil {
		t.Fatalf("SendRequest err: %v", err)
	}
	rel := mustState(t, g, "b", "a", friend.StatePending)
	if rel.Initiator != "a" || rel.RequestID != req.ID {
		t.Fatalf("unexpected relationship: %+v", rel)
	}
	if ev := notifier.eventsFor("b"); len(ev) != 1 || ev[0].Event != EventRequest || ev[0].UserID != "a" {
		t.Fatalf("unexpected events for b: %+v", ev)
	}

	pending, err := g.PendingFor(ctx, "b")
	if err != nil || len(pending) != 1 || pending[0].ID != req.ID {
		t.Fatalf("PendingFor got %+v err %v", pending, err)
	}

	if _, err := g.Accept(ctx, "a", req.ID); !errors.Is(err, ErrNotReceiver) {
		t.Fatalf("expected ErrNotReceiver, got %v", err)
	}
	if _, err := g.Accept(ctx, "b", req.ID); err != nil {
		t.Fatalf("Accept err: %v", err)
	}
	mustState(t, g, "a", "b", friend.StateAccepted)
	mustFriends(t, g, "a", "b")
	mustFriends(t, g, "b", "a")
	if ev := notifier.eventsFor("a"); len(ev) != 1 || ev[0].Event != EventAccepted {
		t.Fatalf("unexpected events for a: %+v", ev)
	}

	if _, err := g.Accept(ctx, "b", req.ID); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound on second accept, got %v", err)
	}
	if _, err := g.SendRequest(ctx, "b", "a"); !errors.Is(err, ErrAlreadyFriends) {
		t.Fatalf("expected ErrAlreadyFriends, got %v", err)
	}

	if err := g.Delete(ctx, "b", "a"); err != nil {
		t.Fatalf("Delete err: %v", err)
	}
	mustState(t, g, "a", "b", friend.StateNone)
	mustFriends(t, g, "a")
	mustFriends(t, g, "b")
	if err := g.Delete(ctx, "b", "a"); !errors.Is(err, ErrNotFriends) {
		t.Fatalf("expected ErrNotFriends, got %v", err)
	}
}

func TestSendRequestRejections(t *testing.T) {
	g, _ := newTestGraph(t, "a", "b")
	ctx := context.Background()

	if _, err := g.SendRequest(ctx, "a", "a"); !errors.Is(err, ErrSelfRelation) {
		t.Fatalf("expected ErrSelfRelation, got %v", err)
	}
	if _, err := g.SendRequest(ctx, "a", "ghost"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := g.SendRequest(ctx, "a", "b"); err != nil {
		t.Fatalf("SendRequest err: %v", err)
	}
	if _, err := g.SendRequest(ctx, "a", "b"); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending for duplicate, got %v", err)
	}
	if _, err := g.SendRequest(ctx, "b", "a"); !errors.Is(err, ErrRequestPending) {
		t.Fatalf("expected ErrRequestPending for reverse, got %v", err)
	}
}

func TestSendRequestByPhone(t *testing.T) {
	g, _ := newTestGraph(t, "a", "b")
	ctx := context.Background()

	req, err := g.SendRequestByPhone(ctx, "a", "090000001")
	if err != nil {
		t.Fatalf("SendRequestByPhone err: %v", err)
	}
	if req.ReceiverID != "b" {
		t.Fatalf("unexpected receiver: %s", req.ReceiverID)
	}
	if _, err := g.SendRequestByPhone(ctx, "a", "000"); !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCancelByEitherParty(t *testing.T) {
	g, _ := newTestGraph(t, "a", "b")
	ctx := context.Background()

	if _, err := g.SendRequest(ctx, "a", "b"); err != nil {
		t.Fatalf("SendRequest err: %v", err)
	}
	if err := g.Cancel(ctx, "b", "a"); err != nil {
		t.Fatalf("decline err: %v", err)
	}
	mustState(t, g, "a", "b", friend.StateNone)

	if _, err := g.SendRequest(ctx, "a", "b"); err != nil {
		t.Fatalf("SendRequest err: %v", err)
	}
	if err := g.Cancel(ctx, "a", "b"); err != nil {
		t.Fatalf("cancel err: %v", err)
	}
	if err := g.Cancel(ctx, "a", "b"); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("expected ErrRequestNotFound, got %v", err)
	}
}

func TestBlockSeversFriendshipBothWays(t *testing.T) {
	g, _ := newTestGraph(t, "a", "b")
	ctx := context.Background()

	req, _ := g.SendRequest(ctx, "a", "b")
	if _, err := g.Accept(ctx, "b", req.ID); err != nil {
		t.Fatalf("Accept err: %v", err)
	}

	if _, err := g.Block(ctx, "b", "a"); err != nil {
		t.Fatalf("Block err: %v", err)
	}
	rel := mustState(t, g, "a", "b", friend.StateBlocked)
	if rel.Initiator != "b" {
		t.Fatalf("expected b as blocker, got %s", rel.Initiator)
	}
	mustFriends(t, g, "a")
	mustFriends(t, g, "b")

	if err := g.CanMessage(ctx, "a", "b"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked for blocked sender, got %v", err)
	}
	if err := g.CanMessage(ctx, "b", "a"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked for blocker, got %v", err)
	}

	if _, err := g.Block(ctx, "a", "b"); !errors.Is(err, ErrAlreadyBlocked) {
		t.Fatalf("expected ErrAlreadyBlocked, got %v", err)
	}
	if _, err := g.SendRequest(ctx, "a", "b"); !errors.Is(err, ErrBlocked) {
		t.Fatalf("expected ErrBlocked for request, got %v", err)
	}

	blocked, err := g.Blocked(ctx, "b")
	if err != nil || len(blocked) != 1 || blocked[0] != "a" {
		t.Fatalf("Blocked got %v err %v", blocked, err)
	}

	if err := g.Unblock(ctx, "a", "b"); !errors.Is(err, ErrNotBlocker) {
		t.Fatalf("expected ErrNotBlocker, got %v", err)
	}
	if err := g.Unblock(ctx, "b", "a"); err != nil {
		t.Fatalf("Unblock err: %v", err)
	}
	mustState(t, g, "a", "b", friend.StateNone)
	if err := g.CanMessage(ctx, "a", "b"); err != nil {
		t.Fatalf("CanMessage after unblock: %v", err)
	}
	if err := g.Unblock(ctx, "b", "a"); !errors.Is(err, ErrNotBlocked) {
		t.Fatalf("expected ErrNotBlocked, got %v", err)
	}
}

func TestBlockFromNoneAndPending(t *testing.T) {
	g, _ := newTestGraph(t, "a", "b", "c")
	ctx := context.Background()

	if _, err := g.Block(ctx, "a", "c"); err != nil {
		t.Fatalf("Block from NONE err: %v", err)
	}
	mustState(t, g, "c", "a", friend.StateBlocked)

	if _, err := g.SendRequest(ctx, "b", "a"); err != nil {
		t.Fatalf("SendRequest err: %v", err)
	}
	if _, err := g.Block(ctx, "a", "b"); err != nil {
		t.Fatalf("Block from PENDING err: %v", err)
	}
	rel := mustState(t, g, "b", "a", friend.StateBlocked)
	if rel.Initiator != "a" {
		t.Fatalf("expected a as blocker, got %s", rel.Initiator)
	}
	if pending, _ := g.PendingFor(ctx, "a"); len(pending) != 0 {
		t.Fatalf("expected pending request replaced, got %+v", pending)
	}
}

func TestConcurrentAcceptAndCancel(t *testing.T) {
	g, _ := newTestGraph(t, "a", "b")
	ctx := context.Background()

	req, err := g.SendRequest(ctx, "a", "b")
	if err != nil {
		t.Fatalf("SendRequest err: %v", err)
	}

	var wg sync.WaitGroup
	var acceptErr, cancelErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, acceptErr = g.Accept(ctx, "b", req.ID)
	}()
	go func() {
		defer wg.Done()
		cancelErr = g.Cancel(ctx, "a", "b")
	}()
	wg.Wait()

	if (acceptErr == nil) == (cancelErr == nil) {
		t.Fatalf("exactly one action must win: accept=%v cancel=%v", acceptErr, cancelErr)
	}

	rel, _ := g.State(ctx, "a", "b")
	if acceptErr == nil && rel.State != friend.StateAccepted {
		t.Fatalf("accept won but state is %s", rel.State)
	}
	if cancelErr == nil && rel.State != friend.StateNone {
		t.Fatalf("cancel won but state is %s", rel.State)
	}
}
