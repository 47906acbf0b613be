package realtime

import "time"

// Outbound channels a client can receive on.
const (
	ChannelConnected = "connected"
	ChannelStatus    = "status"
	ChannelCall      = "call"
	ChannelMessage   = "message"
	ChannelPin       = "pin"
	ChannelFriend    = "friend"
	ChannelError     = "error"
	ChannelPong      = "pong"
)

// Envelope is one outbound frame on the real-time channel.
type Envelope struct {
	Channel   string `json:"channel"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// NewEnvelope stamps data for channel with the current time in millis.
func NewEnvelope(channel string, data any) Envelope {
	return Envelope{
		Channel:   channel,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
}

// StatusChange is published to friends when a user goes online or offline.
type StatusChange struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// PinChange is published to a conversation when a message is (un)pinned.
type PinChange struct {
	MessageID  string `json:"messageId"`
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
	IsPinned   bool   `json:"isPinned"`
	ActorID    string `json:"actorId"`
}

// FriendEvent notifies a user about a relationship change.
type FriendEvent struct {
	Event     string `json:"event"`
	RequestID string `json:"requestId,omitempty"`
	UserID    string `json:"userId"`
}
