package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

const nodeChannelPrefix = "chat:node:"

type bridgeFrame struct {
	EndpointID string          `json:"endpointId"`
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}

// RedisBridge forwards deliveries between nodes over Redis pub/sub. Each
// node subscribes to its own channel.
type RedisBridge struct {
	client *redis.Client
	hub    *Hub
	log    *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisBridge creates the bridge and attaches it to hub as its Remote.
func NewRedisBridge(client *redis.Client, hub *Hub, log *zap.Logger) *RedisBridge {
	b := &RedisBridge{client: client, hub: hub, log: logger.OrNop(log)}
	hub.SetRemote(b)
	return b
}

func nodeChannel(nodeID string) string {
	return nodeChannelPrefix + nodeID
}

// Publish sends env to the node that owns endpointID.
func (b *RedisBridge) Publish(ctx context.Context, nodeID, endpointID string, env realtime.Envelope) error {
	data, err := json.Marshal(env.Data)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	payload, err := json.Marshal(bridgeFrame{
		EndpointID: endpointID,
		Channel:    env.Channel,
		Data:       data,
		Timestamp:  env.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	receivers, err := b.client.Publish(ctx, nodeChannel(nodeID), payload).Result()
	if err != nil {
		return fmt.Errorf("publish to node %s: %w", nodeID, err)
	}
	if receivers == 0 {
		return fmt.Errorf("node %s: %w", nodeID, ErrEndpointNotFound)
	}
	return nil
}

// Start subscribes to this node's channel and consumes it in the background
// until ctx ends or Close is called. It returns once the subscription is live.
func (b *RedisBridge) Start(ctx context.Context) error {
	pubsub := b.client.Subscribe(ctx, nodeChannel(b.hub.NodeID()))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe node channel: %w", err)
	}

	b.mu.Lock()
	b.pubsub = pubsub
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.consume(ctx, pubsub.Channel())
	}()

	b.log.Info("node bridge subscribed", zap.String("node", b.hub.NodeID()))
	return nil
}

func (b *RedisBridge) consume(ctx context.Context, messages <-chan *redis.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.dispatch(msg.Payload)
		}
	}
}

func (b *RedisBridge) dispatch(payload string) {
	var frame bridgeFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		b.log.Warn("drop malformed bridge frame", zap.Error(err))
		return
	}

	env := realtime.Envelope{Channel: frame.Channel, Timestamp: frame.Timestamp}
	if len(frame.Data) > 0 {
		env.Data = frame.Data
	}

	if err := b.hub.DeliverLocal(frame.EndpointID, env); err != nil {
		b.log.Warn("bridge delivery failed", zap.String("endpoint", frame.EndpointID), zap.Error(err))
	}
}

// Close unsubscribes and waits for the consumer to exit.
func (b *RedisBridge) Close() error {
	b.mu.Lock()
	pubsub := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()

	if pubsub == nil {
		return nil
	}
	err := pubsub.Close()
	b.wg.Wait()
	return err
}
