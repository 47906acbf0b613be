package presence

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

const defaultAnnounceLimit = 16

// Notifier delivers an envelope to every endpoint of a user and reports how
// many accepted it.
type Notifier interface {
	Notify(ctx context.Context, userID string, env realtime.Envelope) int
}

// Broadcaster tells a user's friends about a status change.
type Broadcaster struct {
	notifier Notifier
	limit    int
	log      *zap.Logger
}

// NewBroadcaster announces through notifier with a bounded number of
// concurrent deliveries.
func NewBroadcaster(notifier Notifier, log *zap.Logger) *Broadcaster {
	return &Broadcaster{notifier: notifier, limit: defaultAnnounceLimit, log: logger.OrNop(log)}
}

// Announce makes one independent attempt per friend. Unreachable friends are
// skipped; nothing is retried.
func (b *Broadcaster) Announce(ctx context.Context, userID string, status user.Status, friendIDs []string) {
	if len(friendIDs) == 0 {
		return
	}

	env := realtime.NewEnvelope(realtime.ChannelStatus, realtime.StatusChange{
		UserID: userID,
		Status: status.Wire(),
	})

	var g errgroup.Group
	g.SetLimit(b.limit)
	for _, friendID := range friendIDs {
		friendID := friendID
		g.Go(func() error {
			if n := b.notifier.Notify(ctx, friendID, env); n == 0 {
				b.log.Debug("status not delivered",
					zap.String("user", userID),
					zap.String("friend", friendID),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}
