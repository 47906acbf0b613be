package chat

import (
	"strings"
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText  MessageType = "TEXT"
	MessageTypeImage MessageType = "IMAGE"
	MessageTypeVideo MessageType = "VIDEO"
	MessageTypeFile  MessageType = "FILE"
)

// TypeForContent picks the message type for an uploaded attachment.
func TypeForContent(contentType string) MessageType {
	switch {
	case strings.HasPrefix(contentType, "image/"):
		return MessageTypeImage
	case strings.HasPrefix(contentType, "video/"):
		return MessageTypeVideo
	default:
		return MessageTypeFile
	}
}

// Attachment describes a stored file referenced by a message.
type Attachment struct {
	URL         string `json:"url"`
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// Message is a persisted chat message. Exactly one of ReceiverID and GroupID
// is set. Only IsPinned changes after creation.
type Message struct {
	ID               string       `json:"id" gorm:"primaryKey;type:varchar(64)"`
	SenderID         string       `json:"senderId" gorm:"type:varchar(64);not null;index:idx_messages_pair,priority:1"`
	ReceiverID       string       `json:"receiverId,omitempty" gorm:"type:varchar(64);index:idx_messages_pair,priority:2"`
	GroupID          string       `json:"groupId,omitempty" gorm:"type:varchar(64);index:idx_messages_group"`
	Type             MessageType  `json:"type" gorm:"type:varchar(16);not null"`
	Content          string       `json:"content" gorm:"type:text"`
	Attachments      []Attachment `json:"attachments,omitempty" gorm:"serializer:json;type:text"`
	ReplyToMessageID string       `json:"replyToMessageId,omitempty" gorm:"type:varchar(64)"`
	IsPinned         bool         `json:"isPinned" gorm:"not null;default:false"`
	CreatedAt        time.Time    `json:"createdAt" gorm:"index;precision:6"`
}

func (Message) TableName() string {
	return "messages"
}

// IsGroup reports whether the message targets a group.
func (m *Message) IsGroup() bool {
	return m.GroupID != ""
}

// Participant reports whether userID is the sender or direct receiver.
// Group membership is checked separately.
func (m *Message) Participant(userID string) bool {
	return m.SenderID == userID || m.ReceiverID == userID
}

// Target names the conversation a message or upload is addressed to.
type Target struct {
	ReceiverID string `json:"receiverId,omitempty"`
	GroupID    string `json:"groupId,omitempty"`
}

// Valid reports whether exactly one of ReceiverID and GroupID is set.
func (t Target) Valid() bool {
	return (t.ReceiverID == "") != (t.GroupID == "")
}

// Scope selects a conversation for read queries: a group when GroupID is
// set, otherwise the pair (caller, PeerID).
type Scope struct {
	PeerID  string
	GroupID string
}
