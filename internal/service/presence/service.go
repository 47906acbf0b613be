// Package presence tracks live endpoints per user and publishes online and
// offline transitions to friends.
package presence

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/pkg/keylock"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

// StatusStore persists the derived user status and reports whether the
// stored value changed.
type StatusStore interface {
	UpdateStatus(ctx context.Context, userID string, status user.Status) (changed bool, err error)
}

// FriendLister returns the accepted friends of a user.
type FriendLister interface {
	Friends(ctx context.Context, userID string) ([]string, error)
}

// Service ties registry transitions to status persistence and announcements.
type Service struct {
	registry    Registry
	users       StatusStore
	friends     FriendLister
	broadcaster *Broadcaster
	locks       *keylock.Locker
	log         *zap.Logger
}

// NewService wires registry transitions to status persistence and friend
// announcements.
func NewService(registry Registry, users StatusStore, friends FriendLister, broadcaster *Broadcaster, log *zap.Logger) *Service {
	return &Service{
		registry:    registry,
		users:       users,
		friends:     friends,
		broadcaster: broadcaster,
		locks:       keylock.New(),
		log:         logger.OrNop(log),
	}
}

// Registry exposes the endpoint lookup for delivery.
func (s *Service) Registry() Registry {
	return s.registry
}

// Connect registers endpointID for userID and announces ONLINE when it is
// the user's first live endpoint.
func (s *Service) Connect(ctx context.Context, userID, endpointID string) error {
	first, err := s.registry.Register(ctx, userID, endpointID)
	if err != nil {
		return fmt.Errorf("register %s: %w", endpointID, err)
	}
	if first {
		s.refresh(ctx, userID)
	}
	return nil
}

// Disconnect unregisters endpointID and announces OFFLINE when it was the
// user's last live endpoint. Unknown endpoints are ignored.
func (s *Service) Disconnect(ctx context.Context, endpointID string) error {
	userID, last, err := s.registry.Unregister(ctx, endpointID)
	if err != nil {
		return fmt.Errorf("unregister %s: %w", endpointID, err)
	}
	if last {
		s.refresh(ctx, userID)
	}
	return nil
}

// refresh re-reads the endpoint count under the user's lock so that
// interleaved connects and disconnects settle on the live status. Friends are
// only told when the persisted status actually changes.
func (s *Service) refresh(ctx context.Context, userID string) {
	unlock := s.locks.Lock(userID)
	defer unlock()

	count, err := s.registry.Count(ctx, userID)
	if err != nil {
		s.log.Warn("count endpoints failed", zap.String("user", userID), zap.Error(err))
		return
	}

	status := user.StatusOffline
	if count > 0 {
		status = user.StatusOnline
	}

	changed, err := s.users.UpdateStatus(ctx, userID, status)
	if err != nil {
		// announce anyway; a stale status is worse than a repeated one
		s.log.Warn("persist status failed", zap.String("user", userID), zap.Error(err))
		changed = true
	}
	if !changed {
		s.log.Debug("presence unchanged", zap.String("user", userID), zap.String("status", string(status)))
		return
	}

	friends, err := s.friends.Friends(ctx, userID)
	if err != nil {
		s.log.Warn("load friends failed", zap.String("user", userID), zap.Error(err))
		return
	}

	s.log.Info("presence changed",
		zap.String("user", userID),
		zap.String("status", string(status)),
		zap.Int("friends", len(friends)),
	)
	s.broadcaster.Announce(ctx, userID, status, friends)
}
