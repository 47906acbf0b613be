// Package call relays call-negotiation signals between two users. It keeps
// no call state.
package call

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/model/signal"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var ErrInvalidSignal = errors.New("invalid call signal")

// Notifier delivers an envelope to every endpoint of a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, env realtime.Envelope) int
}

// Relay validates signals and forwards them to the receiver only.
type Relay struct {
	notifier Notifier
	now      func() time.Time
	log      *zap.Logger
}

// NewRelay forwards validated signals through notifier.
func NewRelay(notifier Notifier, log *zap.Logger) *Relay {
	return &Relay{notifier: notifier, now: time.Now, log: logger.OrNop(log)}
}

// Relay forwards raw from senderID. Invalid signals are logged and dropped
// with ErrInvalidSignal; nothing is sent to anyone in that case.
func (r *Relay) Relay(ctx context.Context, senderID string, raw json.RawMessage) error {
	if senderID == "" {
		return r.drop(senderID, errors.New("missing sender"))
	}

	sig, err := signal.Parse(raw)
	if err != nil {
		return r.drop(senderID, err)
	}
	if sig.ReceiverID == senderID {
		return r.drop(senderID, errors.New("receiver equals sender"))
	}

	env := sig.Normalize(senderID, r.now())
	delivered := r.notifier.Notify(ctx, sig.ReceiverID, realtime.NewEnvelope(realtime.ChannelCall, env))

	r.log.Debug("call signal relayed",
		zap.String("type", string(sig.Type)),
		zap.String("sender", senderID),
		zap.String("receiver", sig.ReceiverID),
		zap.Int("endpoints", delivered),
	)
	return nil
}

func (r *Relay) drop(senderID string, cause error) error {
	r.log.Warn("drop call signal", zap.String("sender", senderID), zap.Error(cause))
	return fmt.Errorf("%w: %v", ErrInvalidSignal, cause)
}
