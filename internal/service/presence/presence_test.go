package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap/zaptest"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
)

type recordingNotifier struct {
	mu    sync.Mutex
	calls []notification
}

type notification struct {
	to     string
	change realtime.StatusChange
}

func (n *recordingNotifier) Notify(_ context.Context, userID string, env realtime.Envelope) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	change, _ := env.Data.(realtime.StatusChange)
	n.calls = append(n.calls, notification{to: userID, change: change})
	return 1
}

func (n *recordingNotifier) snapshot() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notification, len(n.calls))
	copy(out, n.calls)
	n.calls = nil
	return out
}

type memoryStatuses struct {
	mu       sync.Mutex
	statuses map[string]user.Status
}

func (m *memoryStatuses) UpdateStatus(_ context.Context, userID string, status user.Status) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses == nil {
		m.statuses = make(map[string]user.Status)
	}
	if m.statuses[userID] == status {
		return false, nil
	}
	m.statuses[userID] = status
	return true, nil
}

func (m *memoryStatuses) get(userID string) user.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[userID]
}

type staticFriends map[string][]string

func (f staticFriends) Friends(_ context.Context, userID string) ([]string, error) {
	return f[userID], nil
}

func newRedisRegistry(t *testing.T, mr *miniredis.Miniredis) *RedisRegistry {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisRegistry(client, DefaultNodeTTL)
}

func registries(t *testing.T) map[string]Registry {
	mr := miniredis.RunT(t)
	return map[string]Registry{
		"memory": NewMemoryRegistry(),
		"redis":  newRedisRegistry(t, mr),
	}
}

func TestRegistryReferenceCounting(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first, err := reg.Register(ctx, "alice", "n1.a")
			if err != nil || !first {
				t.Fatalf("first register: first=%v err=%v", first, err)
			}
			first, err = reg.Register(ctx, "alice", "n1.b")
			if err != nil || first {
				t.Fatalf("second register: first=%v err=%v", first, err)
			}
			first, err = reg.Register(ctx, "alice", "n1.b")
			if err != nil || first {
				t.Fatalf("repeat register: first=%v err=%v", first, err)
			}
			if _, err := reg.Register(ctx, "bob", "n1.b"); !errors.Is(err, ErrEndpointOwned) {
				t.Fatalf("expected ErrEndpointOwned, got %v", err)
			}

			ids, err := reg.EndpointsFor(ctx, "alice")
			if err != nil || len(ids) != 2 || ids[0] != "n1.a" || ids[1] != "n1.b" {
				t.Fatalf("EndpointsFor got %v err %v", ids, err)
			}

			userID, last, err := reg.Unregister(ctx, "n1.a")
			if err != nil || userID != "alice" || last {
				t.Fatalf("unregister a: user=%s last=%v err=%v", userID, last, err)
			}
			userID, last, err = reg.Unregister(ctx, "n1.b")
			if err != nil || userID != "alice" || !last {
				t.Fatalf("unregister b: user=%s last=%v err=%v", userID, last, err)
			}

			userID, last, err = reg.Unregister(ctx, "n1.unknown")
			if err != nil || userID != "" || last {
				t.Fatalf("unknown unregister: user=%s last=%v err=%v", userID, last, err)
			}

			if n, _ := reg.Count(ctx, "alice"); n != 0 {
				t.Fatalf("expected zero endpoints, got %d", n)
			}
		})
	}
}

func TestRedisRegistrySharedAcrossNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	node1 := newRedisRegistry(t, mr)
	node2 := newRedisRegistry(t, mr)
	ctx := context.Background()

	if first, _ := node1.Register(ctx, "alice", "n1.a"); !first {
		t.Fatal("expected first on node1")
	}
	if first, _ := node2.Register(ctx, "alice", "n2.a"); first {
		t.Fatal("node2 must see node1's endpoint")
	}
	if _, last, _ := node1.Unregister(ctx, "n1.a"); last {
		t.Fatal("node2 endpoint still live")
	}
	if _, last, _ := node2.Unregister(ctx, "n2.a"); !last {
		t.Fatal("expected last on node2")
	}
}

func TestRedisRegistryForgetsLapsedNode(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	statuses := &memoryStatuses{}
	svc := NewService(newRedisRegistry(t, mr), statuses, staticFriends{"alice": {"bob"}},
		NewBroadcaster(notifier, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	if err := svc.Connect(ctx, "alice", "nodeA.1"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	notifier.snapshot()

	// nodeA dies without unregistering
	mr.FastForward(24 * time.Hour)

	first, err := svc.Registry().Register(ctx, "alice", "nodeB.1")
	if err != nil || !first {
		t.Fatalf("register after node loss: first=%v err=%v", first, err)
	}
	_, last, err := svc.Registry().Unregister(ctx, "nodeB.1")
	if err != nil || !last {
		t.Fatalf("unregister after node loss: last=%v err=%v", last, err)
	}

	if err := svc.Connect(ctx, "alice", "nodeB.2"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if err := svc.Disconnect(ctx, "nodeB.2"); err != nil {
		t.Fatalf("Disconnect err: %v", err)
	}

	ids, err := svc.Registry().EndpointsFor(ctx, "alice")
	if err != nil || len(ids) != 0 {
		t.Fatalf("expected no endpoints once every live session ended, got %v err %v", ids, err)
	}
	if statuses.get("alice") != user.StatusOffline {
		t.Fatalf("expected OFFLINE, got %s", statuses.get("alice"))
	}
	calls := notifier.snapshot()
	if len(calls) == 0 || calls[len(calls)-1].change.Status != "offline" {
		t.Fatalf("expected a final offline announcement, got %+v", calls)
	}
}

func TestMonitorReleasesEndpointsOfLapsedNodes(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	notifier := &recordingNotifier{}
	statuses := &memoryStatuses{}
	reg := newRedisRegistry(t, mr)
	svc := NewService(reg, statuses, staticFriends{"alice": {"bob"}},
		NewBroadcaster(notifier, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	if err := reg.Heartbeat(ctx, "nodeA"); err != nil {
		t.Fatalf("Heartbeat err: %v", err)
	}
	if err := svc.Connect(ctx, "alice", "nodeA.1"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if err := svc.Connect(ctx, "carol", "nodeB.1"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	notifier.snapshot()

	survivor := NewMonitor(reg, svc, "nodeB", DefaultNodeTTL, zaptest.NewLogger(t))
	if err := survivor.Tick(ctx); err != nil {
		t.Fatalf("Tick err: %v", err)
	}
	if calls := notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("expected nothing released while nodeA beats, got %+v", calls)
	}

	mr.FastForward(DefaultNodeTTL + time.Second)

	// a delivery lookup reaps alice's endpoint before the monitor runs
	if ids, err := reg.EndpointsFor(ctx, "alice"); err != nil || len(ids) != 0 {
		t.Fatalf("expected lapsed endpoint hidden from lookups, got %v err %v", ids, err)
	}

	if err := survivor.Tick(ctx); err != nil {
		t.Fatalf("Tick err: %v", err)
	}
	if statuses.get("alice") != user.StatusOffline {
		t.Fatalf("expected alice OFFLINE after nodeA lapsed, got %s", statuses.get("alice"))
	}
	calls := notifier.snapshot()
	if len(calls) != 1 || calls[0].to != "bob" || calls[0].change.Status != "offline" {
		t.Fatalf("expected one offline announcement to bob, got %+v", calls)
	}
	if n, _ := reg.Count(ctx, "carol"); n != 1 {
		t.Fatalf("expected the surviving node's endpoint kept, got %d", n)
	}

	other := NewMonitor(reg, svc, "nodeC", DefaultNodeTTL, zaptest.NewLogger(t))
	if err := other.Tick(ctx); err != nil {
		t.Fatalf("Tick err: %v", err)
	}
	if calls := notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("lapsed node must be claimed once, got %+v", calls)
	}
}

func TestRegistryConcurrentTransitions(t *testing.T) {
	for name, reg := range registries(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			const n = 20

			var firsts, lasts int
			var mu sync.Mutex
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					first, err := reg.Register(ctx, "alice", "n1."+string(rune('a'+i)))
					if err != nil {
						t.Errorf("register err: %v", err)
						return
					}
					if first {
						mu.Lock()
						firsts++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, last, err := reg.Unregister(ctx, "n1."+string(rune('a'+i)))
					if err != nil {
						t.Errorf("unregister err: %v", err)
						return
					}
					if last {
						mu.Lock()
						lasts++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			if firsts != 1 || lasts != 1 {
				t.Fatalf("expected exactly one first and one last, got %d and %d", firsts, lasts)
			}
		})
	}
}

func TestServiceAnnouncesOnlyTransitions(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	statuses := &memoryStatuses{}
	friends := staticFriends{"alice": {"bob", "carol"}}
	svc := NewService(NewMemoryRegistry(), statuses, friends,
		NewBroadcaster(notifier, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	if err := svc.Connect(ctx, "alice", "n1.phone"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	calls := notifier.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected one announcement per friend, got %d", len(calls))
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].to < calls[j].to })
	if calls[0].to != "bob" || calls[1].to != "carol" {
		t.Fatalf("unexpected recipients: %+v", calls)
	}
	for _, c := range calls {
		if c.change.UserID != "alice" || c.change.Status != "online" {
			t.Fatalf("unexpected payload: %+v", c.change)
		}
	}
	if statuses.get("alice") != user.StatusOnline {
		t.Fatalf("expected ONLINE persisted, got %s", statuses.get("alice"))
	}

	if err := svc.Connect(ctx, "alice", "n1.laptop"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if err := svc.Disconnect(ctx, "n1.phone"); err != nil {
		t.Fatalf("Disconnect err: %v", err)
	}
	if calls := notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no announcements while a device stays live, got %d", len(calls))
	}
	if statuses.get("alice") != user.StatusOnline {
		t.Fatalf("expected ONLINE, got %s", statuses.get("alice"))
	}

	if err := svc.Disconnect(ctx, "n1.laptop"); err != nil {
		t.Fatalf("Disconnect err: %v", err)
	}
	calls = notifier.snapshot()
	if len(calls) != 2 {
		t.Fatalf("expected offline announcement per friend, got %d", len(calls))
	}
	for _, c := range calls {
		if c.change.Status != "offline" {
			t.Fatalf("unexpected payload: %+v", c.change)
		}
	}
	if statuses.get("alice") != user.StatusOffline {
		t.Fatalf("expected OFFLINE, got %s", statuses.get("alice"))
	}

	if err := svc.Disconnect(ctx, "n1.laptop"); err != nil {
		t.Fatalf("repeat Disconnect err: %v", err)
	}
	if calls := notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no-op for unknown endpoint, got %d", len(calls))
	}
}

func TestServiceSkipsUnchangedStatus(t *testing.T) {
	ctx := context.Background()
	notifier := &recordingNotifier{}
	svc := NewService(NewMemoryRegistry(), &memoryStatuses{}, staticFriends{"alice": {"bob"}},
		NewBroadcaster(notifier, zaptest.NewLogger(t)), zaptest.NewLogger(t))

	if err := svc.Connect(ctx, "alice", "n1.phone"); err != nil {
		t.Fatalf("Connect err: %v", err)
	}
	if calls := notifier.snapshot(); len(calls) != 1 {
		t.Fatalf("expected one online announcement, got %d", len(calls))
	}

	// a disconnect and a connect that interleave both refresh the same user
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.refresh(ctx, "alice")
		}()
	}
	wg.Wait()

	if calls := notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no repeated ONLINE announcement, got %+v", calls)
	}
}

func TestBroadcasterEmptyFriendList(t *testing.T) {
	notifier := &recordingNotifier{}
	b := NewBroadcaster(notifier, zaptest.NewLogger(t))

	b.Announce(context.Background(), "alice", user.StatusOnline, nil)

	if calls := notifier.snapshot(); len(calls) != 0 {
		t.Fatalf("expected no notifications, got %d", len(calls))
	}
}

type flakyNotifier struct {
	recordingNotifier
	down map[string]bool
}

func (n *flakyNotifier) Notify(ctx context.Context, userID string, env realtime.Envelope) int {
	n.recordingNotifier.Notify(ctx, userID, env)
	if n.down[userID] {
		return 0
	}
	return 1
}

func TestBroadcasterAttemptsEveryFriendOnce(t *testing.T) {
	notifier := &flakyNotifier{down: map[string]bool{"f2": true}}
	b := NewBroadcaster(notifier, zaptest.NewLogger(t))
	friends := []string{"f1", "f2", "f3", "f4"}

	b.Announce(context.Background(), "alice", user.StatusOffline, friends)

	calls := notifier.snapshot()
	seen := make(map[string]int)
	for _, c := range calls {
		seen[c.to]++
	}
	for _, f := range friends {
		if seen[f] != 1 {
			t.Fatalf("friend %s got %d attempts", f, seen[f])
		}
	}
}
