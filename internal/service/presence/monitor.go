package presence

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

// NodeTracker keeps this node alive in a shared registry and hands back the
// endpoints of nodes that stopped beating.
type NodeTracker interface {
	Heartbeat(ctx context.Context, nodeID string) error
	ClaimStaleEndpoints(ctx context.Context) ([]string, error)
}

// Monitor beats for the local node and disconnects endpoints orphaned by
// crashed or killed nodes, so their users go OFFLINE.
type Monitor struct {
	tracker  NodeTracker
	service  *Service
	nodeID   string
	interval time.Duration
	log      *zap.Logger
}

// NewMonitor beats every ttl/3 so a single missed beat does not expire the node.
func NewMonitor(tracker NodeTracker, service *Service, nodeID string, ttl time.Duration, log *zap.Logger) *Monitor {
	interval := ttl / 3
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return &Monitor{
		tracker:  tracker,
		service:  service,
		nodeID:   nodeID,
		interval: interval,
		log:      logger.OrNop(log),
	}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
				m.log.Warn("presence heartbeat failed", zap.String("node", m.nodeID), zap.Error(err))
			}
		}
	}
}

// Tick renews the local node and releases every stale endpoint it claims.
func (m *Monitor) Tick(ctx context.Context) error {
	if err := m.tracker.Heartbeat(ctx, m.nodeID); err != nil {
		return err
	}

	stale, err := m.tracker.ClaimStaleEndpoints(ctx)
	if err != nil {
		return err
	}
	if len(stale) > 0 {
		m.log.Info("releasing endpoints of lapsed nodes", zap.Int("endpoints", len(stale)))
	}
	for _, id := range stale {
		if err := m.service.Disconnect(ctx, id); err != nil {
			m.log.Warn("release stale endpoint failed", zap.String("endpoint", id), zap.Error(err))
		}
	}
	return nil
}
