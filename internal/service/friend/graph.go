// Package friend implements the relationship state machine between users.
package friend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/friend"
	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/pkg/keylock"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var (
	ErrSelfRelation    = errors.New("cannot target yourself")
	ErrUserNotFound    = errors.New("user not found")
	ErrAlreadyFriends  = errors.New("already friends")
	ErrRequestPending  = errors.New("friend request already pending")
	ErrRequestNotFound = errors.New("friend request not found")
	ErrNotReceiver     = errors.New("only the receiver may accept")
	ErrNotFriends      = errors.New("not friends")
	ErrBlocked         = errors.New("relationship is blocked")
	ErrAlreadyBlocked  = errors.New("relationship already blocked")
	ErrNotBlocked      = errors.New("relationship is not blocked")
	ErrNotBlocker      = errors.New("only the blocker may unblock")
	ErrConflict        = errors.New("relationship changed concurrently")
)

// Event names carried on the friend channel.
const (
	EventRequest   = "request"
	EventAccepted  = "accepted"
	EventCancelled = "cancelled"
	EventRemoved   = "removed"
)

// Store is the persistence the graph needs.
type Store interface {
	FindByPair(ctx context.Context, a, b string) (*friend.Friend, error)
	FindByID(ctx context.Context, id string) (*friend.Friend, error)
	Create(ctx context.Context, f *friend.Friend) error
	Transition(ctx context.Context, f *friend.Friend, from friend.Status) error
	DeleteIf(ctx context.Context, id string, status friend.Status) error
	AcceptedPeers(ctx context.Context, userID string) ([]string, error)
	PendingFor(ctx context.Context, userID string) ([]friend.Friend, error)
	BlockedBy(ctx context.Context, userID string) ([]string, error)
}

// UserLookup resolves accounts.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
	FindByPhone(ctx context.Context, phone string) (*user.User, error)
}

// Notifier delivers a real-time envelope to a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, env realtime.Envelope) int
}

// Graph applies relationship transitions. Mutations on one pair are
// serialised in process and written as compare-and-set updates.
type Graph struct {
	store    Store
	users    UserLookup
	notifier Notifier
	locks    *keylock.Locker
	log      *zap.Logger
}

// New bootstraps the friend graph. notifier may be nil, which disables
// realtime friend events.
func New(s Store, users UserLookup, notifier Notifier, log *zap.Logger) *Graph {
	return &Graph{
		store:    s,
		users:    users,
		notifier: notifier,
		locks:    keylock.New(),
		log:      logger.OrNop(log),
	}
}

// SendRequest creates PENDING(from→to).
func (g *Graph) SendRequest(ctx context.Context, from, to string) (*friend.Friend, error) {
	if from == to {
		return nil, ErrSelfRelation
	}
	if err := g.requireUser(ctx, to); err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(friend.PairKey(from, to))
	defer unlock()

	rec, err := g.store.FindByPair(ctx, from, to)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		switch rec.Status {
		case friend.StatusAccepted:
			return nil, ErrAlreadyFriends
		case friend.StatusBlocked:
			return nil, ErrBlocked
		default:
			return nil, ErrRequestPending
		}
	}

	rec = &friend.Friend{
		ID:         uuid.NewString(),
		SenderID:   from,
		ReceiverID: to,
		Status:     friend.StatusPending,
	}
	if err := g.store.Create(ctx, rec); err != nil {
		return nil, g.mapStoreErr(err)
	}

	g.notify(ctx, to, EventRequest, rec.ID, from)
	return rec, nil
}

// SendRequestByPhone resolves the receiver by phone number first.
func (g *Graph) SendRequestByPhone(ctx context.Context, from, phone string) (*friend.Friend, error) {
	target, err := g.users.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if target == nil {
		return nil, ErrUserNotFound
	}
	return g.SendRequest(ctx, from, target.ID)
}

// Accept turns PENDING into ACCEPTED. Only the receiver may accept.
func (g *Graph) Accept(ctx context.Context, actor, requestID string) (*friend.Friend, error) {
	rec, err := g.store.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrRequestNotFound
	}

	unlock := g.locks.Lock(friend.PairKey(rec.SenderID, rec.ReceiverID))
	defer unlock()

	// re-read under the pair lock
	rec, err = g.store.FindByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if rec == nil || rec.Status != friend.StatusPending {
		return nil, ErrRequestNotFound
	}
	if rec.ReceiverID != actor {
		return nil, ErrNotReceiver
	}

	rec.Status = friend.StatusAccepted
	if err := g.store.Transition(ctx, rec, friend.StatusPending); err != nil {
		return nil, g.mapStoreErr(err)
	}

	g.notify(ctx, rec.SenderID, EventAccepted, rec.ID, actor)
	return rec, nil
}

// Cancel removes a PENDING request. Either party may cancel or decline.
func (g *Graph) Cancel(ctx context.Context, actor, peer string) error {
	unlock := g.locks.Lock(friend.PairKey(actor, peer))
	defer unlock()

	rec, err := g.store.FindByPair(ctx, actor, peer)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != friend.StatusPending {
		return ErrRequestNotFound
	}

	if err := g.store.DeleteIf(ctx, rec.ID, friend.StatusPending); err != nil {
		return g.mapStoreErr(err)
	}

	g.notify(ctx, peer, EventCancelled, rec.ID, actor)
	return nil
}

// Delete ends an ACCEPTED relationship from either side.
func (g *Graph) Delete(ctx context.Context, actor, peer string) error {
	unlock := g.locks.Lock(friend.PairKey(actor, peer))
	defer unlock()

	rec, err := g.store.FindByPair(ctx, actor, peer)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != friend.StatusAccepted {
		return ErrNotFriends
	}

	if err := g.store.DeleteIf(ctx, rec.ID, friend.StatusAccepted); err != nil {
		return g.mapStoreErr(err)
	}

	g.notify(ctx, peer, EventRemoved, rec.ID, actor)
	return nil
}

// Block moves the pair to BLOCKED(actor→target) from NONE, PENDING or
// ACCEPTED. Friendship in both directions ends with it.
func (g *Graph) Block(ctx context.Context, actor, target string) (*friend.Friend, error) {
	if actor == target {
		return nil, ErrSelfRelation
	}
	if err := g.requireUser(ctx, target); err != nil {
		return nil, err
	}

	unlock := g.locks.Lock(friend.PairKey(actor, target))
	defer unlock()

	rec, err := g.store.FindByPair(ctx, actor, target)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		rec = &friend.Friend{
			ID:         uuid.NewString(),
			SenderID:   actor,
			ReceiverID: target,
			Status:     friend.StatusBlocked,
		}
		if err := g.store.Create(ctx, rec); err != nil {
			return nil, g.mapStoreErr(err)
		}
		return rec, nil
	}

	if rec.Status == friend.StatusBlocked {
		return nil, ErrAlreadyBlocked
	}

	from := rec.Status
	rec.SenderID = actor
	rec.ReceiverID = target
	rec.Status = friend.StatusBlocked
	if err := g.store.Transition(ctx, rec, from); err != nil {
		return nil, g.mapStoreErr(err)
	}
	return rec, nil
}

// Unblock returns a BLOCKED pair to NONE. Only the blocker may unblock.
func (g *Graph) Unblock(ctx context.Context, actor, target string) error {
	unlock := g.locks.Lock(friend.PairKey(actor, target))
	defer unlock()

	rec, err := g.store.FindByPair(ctx, actor, target)
	if err != nil {
		return err
	}
	if rec == nil || rec.Status != friend.StatusBlocked {
		return ErrNotBlocked
	}
	if rec.SenderID != actor {
		return ErrNotBlocker
	}

	if err := g.store.DeleteIf(ctx, rec.ID, friend.StatusBlocked); err != nil {
		return g.mapStoreErr(err)
	}
	return nil
}

// State reports the relationship between a and b.
func (g *Graph) State(ctx context.Context, a, b string) (friend.Relationship, error) {
	rec, err := g.store.FindByPair(ctx, a, b)
	if err != nil {
		return friend.Relationship{}, err
	}
	if rec == nil {
		return friend.Relationship{State: friend.StateNone}, nil
	}
	return friend.Relationship{
		State:     friend.State(rec.Status),
		RequestID: rec.ID,
		Initiator: rec.SenderID,
	}, nil
}

// Friends lists the ACCEPTED peers of userID.
func (g *Graph) Friends(ctx context.Context, userID string) ([]string, error) {
	return g.store.AcceptedPeers(ctx, userID)
}

// PendingFor lists requests waiting on userID.
func (g *Graph) PendingFor(ctx context.Context, userID string) ([]friend.Friend, error) {
	return g.store.PendingFor(ctx, userID)
}

// Blocked lists users blocked by userID.
func (g *Graph) Blocked(ctx context.Context, userID string) ([]string, error) {
	return g.store.BlockedBy(ctx, userID)
}

// CanMessage returns ErrBlocked when either side blocked the other.
func (g *Graph) CanMessage(ctx context.Context, sender, receiver string) error {
	rec, err := g.store.FindByPair(ctx, sender, receiver)
	if err != nil {
		return err
	}
	if rec != nil && rec.Status == friend.StatusBlocked {
		return ErrBlocked
	}
	return nil
}

func (g *Graph) requireUser(ctx context.Context, id string) error {
	u, err := g.users.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if u == nil {
		return ErrUserNotFound
	}
	return nil
}

func (g *Graph) mapStoreErr(err error) error {
	if errors.Is(err, store.ErrConflict) {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return err
}

func (g *Graph) notify(ctx context.Context, to, event, requestID, from string) {
	if g.notifier == nil {
		return
	}
	env := realtime.NewEnvelope(realtime.ChannelFriend, realtime.FriendEvent{
		Event:     event,
		RequestID: requestID,
		UserID:    from,
	})
	if n := g.notifier.Notify(ctx, to, env); n == 0 {
		g.log.Debug("friend event not delivered", zap.String("to", to), zap.String("event", event))
	}
}
