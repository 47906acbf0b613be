package hub

import (
	"context"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

// Lookup resolves the live endpoints of a user.
type Lookup interface {
	EndpointsFor(ctx context.Context, userID string) ([]string, error)
}

// Deliverer pushes one envelope to one endpoint.
type Deliverer interface {
	Deliver(ctx context.Context, endpointID string, env realtime.Envelope) error
}

// Fanout delivers to every endpoint of a user. Failures are logged and
// never returned; callers treat delivery as best effort.
type Fanout struct {
	lookup    Lookup
	deliverer Deliverer
	log       *zap.Logger
}

// NewFanout resolves endpoints through lookup and hands envelopes to deliverer.
func NewFanout(lookup Lookup, deliverer Deliverer, log *zap.Logger) *Fanout {
	return &Fanout{lookup: lookup, deliverer: deliverer, log: logger.OrNop(log)}
}

// Notify returns how many endpoints accepted env.
func (f *Fanout) Notify(ctx context.Context, userID string, env realtime.Envelope) int {
	endpoints, err := f.lookup.EndpointsFor(ctx, userID)
	if err != nil {
		f.log.Warn("resolve endpoints failed", zap.String("user", userID), zap.Error(err))
		return 0
	}

	delivered := 0
	for _, id := range endpoints {
		if err := f.deliverer.Deliver(ctx, id, env); err != nil {
			f.log.Warn("deliver failed",
				zap.String("user", userID),
				zap.String("endpoint", id),
				zap.String("channel", env.Channel),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}
