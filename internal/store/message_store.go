package store

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// MessageStore persists messages. Every list query returns messages ordered
// by created_at then id, ascending.
type MessageStore struct {
	db *gorm.DB
}

func (s *MessageStore) Create(ctx context.Context, m *chat.Message) error {
	return translate(s.db.WithContext(ctx).Create(m).Error)
}

// FindByID returns ErrNotFound when the message does not exist.
func (s *MessageStore) FindByID(ctx context.Context, id string) (*chat.Message, error) {
	m := &chat.Message{}
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(m).Error; err != nil {
		return nil, translate(err)
	}
	return m, nil
}

// SetPinned flips the only mutable attribute of a message.
func (s *MessageStore) SetPinned(ctx context.Context, id string, pinned bool) error {
	tx := s.db.WithContext(ctx).Model(&chat.Message{}).Where("id = ?", id).Update("is_pinned", pinned)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		// sqlite reports zero rows when the value is unchanged; confirm existence.
		if _, err := s.FindByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// ListByPair returns the direct conversation between a and b. The result is
// the same for (a, b) and (b, a).
func (s *MessageStore) ListByPair(ctx context.Context, a, b string) ([]chat.Message, error) {
	return s.list(s.pair(ctx, a, b))
}

// ListByGroup returns all messages of groupID.
func (s *MessageStore) ListByGroup(ctx context.Context, groupID string) ([]chat.Message, error) {
	return s.list(s.group(ctx, groupID))
}

// ListPinnedByPair returns pinned messages of the direct conversation.
func (s *MessageStore) ListPinnedByPair(ctx context.Context, a, b string) ([]chat.Message, error) {
	return s.list(s.pair(ctx, a, b).Where("is_pinned = ?", true))
}

// ListPinnedByGroup returns pinned messages of groupID.
func (s *MessageStore) ListPinnedByGroup(ctx context.Context, groupID string) ([]chat.Message, error) {
	return s.list(s.group(ctx, groupID).Where("is_pinned = ?", true))
}

// SearchByGroup returns messages of groupID whose content contains keyword.
func (s *MessageStore) SearchByGroup(ctx context.Context, groupID, keyword string, caseSensitive bool) ([]chat.Message, error) {
	return s.search(s.group(ctx, groupID), keyword, caseSensitive)
}

// SearchByPair returns messages between a and b whose content contains keyword.
func (s *MessageStore) SearchByPair(ctx context.Context, a, b, keyword string, caseSensitive bool) ([]chat.Message, error) {
	return s.search(s.pair(ctx, a, b), keyword, caseSensitive)
}

func (s *MessageStore) pair(ctx context.Context, a, b string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&chat.Message{}).
		Where("group_id = ?", "").
		Where(s.db.Where("sender_id = ? AND receiver_id = ?", a, b).Or("sender_id = ? AND receiver_id = ?", b, a))
}

func (s *MessageStore) group(ctx context.Context, groupID string) *gorm.DB {
	return s.db.WithContext(ctx).Model(&chat.Message{}).Where("group_id = ?", groupID)
}

func (s *MessageStore) list(q *gorm.DB) ([]chat.Message, error) {
	messages := make([]chat.Message, 0)
	err := q.Order("created_at").Order("id").Find(&messages).Error
	return messages, err
}

// search narrows with a case-insensitive LIKE, which every dialect can serve
// from the same query, then applies the exact substring rule in Go. SQLite's
// LOWER only folds ASCII, so non-ASCII keywords skip the SQL prefilter.
func (s *MessageStore) search(q *gorm.DB, keyword string, caseSensitive bool) ([]chat.Message, error) {
	if keyword == "" {
		return nil, errors.New("empty search keyword")
	}

	if isASCII(keyword) {
		pattern := "%" + escapeLike(strings.ToLower(keyword)) + "%"
		q = q.Where("LOWER(content) LIKE ? ESCAPE '!'", pattern)
	}

	candidates, err := s.list(q)
	if err != nil {
		return nil, err
	}

	matched := candidates[:0]
	for _, m := range candidates {
		if contains(m.Content, keyword, caseSensitive) {
			matched = append(matched, m)
		}
	}
	return matched, nil
}

func contains(content, keyword string, caseSensitive bool) bool {
	if caseSensitive {
		return strings.Contains(content, keyword)
	}
	return strings.Contains(strings.ToLower(content), strings.ToLower(keyword))
}

var likeEscaper = strings.NewReplacer("!", "!!", "%", "!%", "_", "!_")

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
