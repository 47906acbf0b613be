// Package chat persists messages and routes them to the live endpoints of
// their recipients. Persistence always precedes delivery; delivery is best
// effort and never fails a call.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/realtime"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	friendsvc "github.com/zhouzirui/z-chat/backend/internal/service/friend"
	"github.com/zhouzirui/z-chat/backend/internal/service/storage"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var (
	ErrInvalidTarget    = errors.New("exactly one of receiverId and groupId is required")
	ErrEmptyMessage     = errors.New("message content is required")
	ErrReceiverNotFound = errors.New("receiver not found")
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupInactive    = errors.New("group is dissolved")
	ErrNotMember        = errors.New("sender is not a group member")
	ErrBlocked          = errors.New("conversation is blocked")
	ErrReplyNotFound    = errors.New("reply target not found in conversation")
	ErrMessageNotFound  = errors.New("message not found")
	ErrNotParticipant   = errors.New("not a participant of the conversation")
	ErrNoFiles          = errors.New("no files to upload")
	ErrEmptyKeyword     = errors.New("keyword is required")
	ErrSearchDisabled   = errors.New("direct message search is disabled")
	ErrBadAttachment    = errors.New("attachment does not reference an uploaded file")
)

// MessageStore is the persistence the router needs.
type MessageStore interface {
	Create(ctx context.Context, m *chat.Message) error
	FindByID(ctx context.Context, id string) (*chat.Message, error)
	SetPinned(ctx context.Context, id string, pinned bool) error
	ListByPair(ctx context.Context, a, b string) ([]chat.Message, error)
	ListByGroup(ctx context.Context, groupID string) ([]chat.Message, error)
	ListPinnedByPair(ctx context.Context, a, b string) ([]chat.Message, error)
	ListPinnedByGroup(ctx context.Context, groupID string) ([]chat.Message, error)
	SearchByPair(ctx context.Context, a, b, keyword string, caseSensitive bool) ([]chat.Message, error)
	SearchByGroup(ctx context.Context, groupID, keyword string, caseSensitive bool) ([]chat.Message, error)
}

type UserLookup interface {
	FindByID(ctx context.Context, id string) (*user.User, error)
}

type GroupLookup interface {
	FindByID(ctx context.Context, id string) (*chat.Group, error)
}

// Relationships gates direct messages; it returns friend.ErrBlocked for a
// blocked pair.
type Relationships interface {
	CanMessage(ctx context.Context, sender, receiver string) error
}

// Uploader stores attachment bytes and resolves the URLs it handed out.
type Uploader interface {
	Upload(ctx context.Context, name, contentType string, size int64, r io.Reader) (storage.Object, error)
	Stat(ctx context.Context, url string) (storage.Object, error)
}

// Notifier delivers an envelope to every endpoint of a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, env realtime.Envelope) int
}

// SearchConfig fixes keyword matching semantics.
type SearchConfig struct {
	CaseSensitive bool
	DirectEnabled bool
}

// Deps groups the collaborators of a Router.
type Deps struct {
	Messages      MessageStore
	Users         UserLookup
	Groups        GroupLookup
	Relationships Relationships
	Uploader      Uploader
	Notifier      Notifier
}

// Router validates, persists and fans out messages, and serves the
// read-side queries.
type Router struct {
	messages  MessageStore
	users     UserLookup
	groups    GroupLookup
	relations Relationships
	uploader  Uploader
	notifier  Notifier
	search    SearchConfig
	now       func() time.Time
	log       *zap.Logger
}

// NewRouter bootstraps message routing over deps. Uploader may be nil when
// attachments are disabled.
func NewRouter(deps Deps, search SearchConfig, log *zap.Logger) *Router {
	return &Router{
		messages:  deps.Messages,
		users:     deps.Users,
		groups:    deps.Groups,
		relations: deps.Relationships,
		uploader:  deps.Uploader,
		notifier:  deps.Notifier,
		search:    search,
		now:       time.Now,
		log:       logger.OrNop(log),
	}
}

// Send persists msg and delivers it on the message channel to the sender and
// receiver, or to every current member of the group.
func (r *Router) Send(ctx context.Context, msg chat.Message) (chat.Message, error) {
	target := chat.Target{ReceiverID: msg.ReceiverID, GroupID: msg.GroupID}
	msg.Content = strings.TrimSpace(msg.Content)
	if msg.Content == "" && len(msg.Attachments) == 0 {
		return chat.Message{}, ErrEmptyMessage
	}

	recipients, err := r.authorize(ctx, msg.SenderID, target)
	if err != nil {
		return chat.Message{}, err
	}
	if err := r.checkReply(ctx, msg.SenderID, target, msg.ReplyToMessageID); err != nil {
		return chat.Message{}, err
	}
	msg.Attachments = append([]chat.Attachment(nil), msg.Attachments...)
	if err := r.resolveAttachments(ctx, msg.Attachments); err != nil {
		return chat.Message{}, err
	}

	if msg.Type == "" {
		msg.Type = chat.MessageTypeText
		if len(msg.Attachments) > 0 {
			msg.Type = chat.TypeForContent(msg.Attachments[0].ContentType)
		}
	}

	if err := r.persist(ctx, &msg); err != nil {
		return chat.Message{}, err
	}
	r.route(ctx, recipients, msg)
	return msg, nil
}

// resolveAttachments accepts only files this node's uploader stored and
// overwrites the client's size and type with the stored values.
func (r *Router) resolveAttachments(ctx context.Context, attachments []chat.Attachment) error {
	if len(attachments) == 0 {
		return nil
	}
	if r.uploader == nil {
		return ErrBadAttachment
	}
	for i := range attachments {
		obj, err := r.uploader.Stat(ctx, attachments[i].URL)
		if err != nil {
			if errors.Is(err, storage.ErrUnknownObject) {
				return ErrBadAttachment
			}
			return fmt.Errorf("resolve attachment: %w", err)
		}
		attachments[i].URL = obj.URL
		attachments[i].ContentType = obj.ContentType
		attachments[i].Size = obj.Size
		if name := strings.TrimSpace(attachments[i].Name); name != "" {
			attachments[i].Name = name
		} else {
			attachments[i].Name = obj.Name
		}
	}
	return nil
}

// SetPinned flips the pin flag of a message the actor can see and tells the
// conversation about it.
func (r *Router) SetPinned(ctx context.Context, actorID, messageID string, pinned bool) (chat.Message, error) {
	msg, err := r.messages.FindByID(ctx, messageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return chat.Message{}, ErrMessageNotFound
		}
		return chat.Message{}, err
	}

	recipients, err := r.participants(ctx, actorID, msg)
	if err != nil {
		return chat.Message{}, err
	}

	if err := r.messages.SetPinned(ctx, messageID, pinned); err != nil {
		return chat.Message{}, fmt.Errorf("update pin: %w", err)
	}
	msg.IsPinned = pinned

	env := realtime.NewEnvelope(realtime.ChannelPin, realtime.PinChange{
		MessageID:  msg.ID,
		ReceiverID: msg.ReceiverID,
		GroupID:    msg.GroupID,
		IsPinned:   pinned,
		ActorID:    actorID,
	})
	r.deliver(ctx, recipients, env)
	return *msg, nil
}

// authorize validates the target and returns the users who receive messages
// sent to it.
func (r *Router) authorize(ctx context.Context, senderID string, target chat.Target) ([]string, error) {
	if !target.Valid() {
		return nil, ErrInvalidTarget
	}

	if target.GroupID != "" {
		g, err := r.activeGroup(ctx, target.GroupID)
		if err != nil {
			return nil, err
		}
		if !g.HasMember(senderID) {
			return nil, ErrNotMember
		}
		return g.MemberIDs(), nil
	}

	receiver, err := r.users.FindByID(ctx, target.ReceiverID)
	if err != nil {
		return nil, err
	}
	if receiver == nil {
		return nil, ErrReceiverNotFound
	}
	if err := r.relations.CanMessage(ctx, senderID, target.ReceiverID); err != nil {
		if errors.Is(err, friendsvc.ErrBlocked) {
			return nil, ErrBlocked
		}
		return nil, err
	}
	return pair(senderID, target.ReceiverID), nil
}

func (r *Router) activeGroup(ctx context.Context, groupID string) (*chat.Group, error) {
	g, err := r.groups.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGroupNotFound
	}
	if !g.Active {
		return nil, ErrGroupInactive
	}
	return g, nil
}

// participants returns who sees msg, failing if actorID is not one of them.
func (r *Router) participants(ctx context.Context, actorID string, msg *chat.Message) ([]string, error) {
	if msg.IsGroup() {
		g, err := r.groups.FindByID(ctx, msg.GroupID)
		if err != nil {
			return nil, err
		}
		if g == nil || !g.HasMember(actorID) {
			return nil, ErrNotParticipant
		}
		return g.MemberIDs(), nil
	}
	if !msg.Participant(actorID) {
		return nil, ErrNotParticipant
	}
	return pair(msg.SenderID, msg.ReceiverID), nil
}

// checkReply requires the replied-to message to live in the same conversation.
func (r *Router) checkReply(ctx context.Context, senderID string, target chat.Target, replyTo string) error {
	if replyTo == "" {
		return nil
	}
	orig, err := r.messages.FindByID(ctx, replyTo)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrReplyNotFound
		}
		return err
	}

	if target.GroupID != "" {
		if orig.GroupID != target.GroupID {
			return ErrReplyNotFound
		}
		return nil
	}
	if orig.IsGroup() || !orig.Participant(senderID) || !orig.Participant(target.ReceiverID) {
		return ErrReplyNotFound
	}
	return nil
}

func (r *Router) persist(ctx context.Context, msg *chat.Message) error {
	msg.ID = uuid.NewString()
	msg.CreatedAt = r.now().UTC()
	msg.IsPinned = false
	if err := r.messages.Create(ctx, msg); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return nil
}

func (r *Router) route(ctx context.Context, recipients []string, msg chat.Message) {
	r.deliver(ctx, recipients, realtime.NewEnvelope(realtime.ChannelMessage, msg))
}

func (r *Router) deliver(ctx context.Context, recipients []string, env realtime.Envelope) {
	if r.notifier == nil {
		return
	}
	for _, id := range recipients {
		if n := r.notifier.Notify(ctx, id, env); n == 0 {
			r.log.Debug("recipient offline", zap.String("user", id), zap.String("channel", env.Channel))
		}
	}
}

// pair returns {a, b} without duplicates.
func pair(a, b string) []string {
	if a == b {
		return []string{a}
	}
	return []string{a, b}
}
