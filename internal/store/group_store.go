package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// GroupStore persists groups and memberships.
type GroupStore struct {
	db *gorm.DB
}

// Create inserts the group together with its members.
func (s *GroupStore) Create(ctx context.Context, g *chat.Group) error {
	return translate(s.db.WithContext(ctx).Create(g).Error)
}

// FindByID returns the group with members in join order, or nil, nil.
func (s *GroupStore) FindByID(ctx context.Context, id string) (*chat.Group, error) {
	g := &chat.Group{}
	err := s.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at").Order("user_id")
		}).
		Where("id = ?", id).First(g).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return g, nil
}

// ListByMember returns active groups userID belongs to, newest first.
func (s *GroupStore) ListByMember(ctx context.Context, userID string) ([]chat.Group, error) {
	groups := make([]chat.Group, 0)
	err := s.db.WithContext(ctx).
		Preload("Members", func(db *gorm.DB) *gorm.DB {
			return db.Order("joined_at").Order("user_id")
		}).
		Where("active = ? AND id IN (?)", true,
			s.db.Model(&chat.GroupMember{}).Select("group_id").Where("user_id = ?", userID)).
		Order("created_at DESC").
		Find(&groups).Error
	return groups, err
}

// AddMembers inserts members with RoleMember; existing members are kept as is.
func (s *GroupStore) AddMembers(ctx context.Context, groupID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	now := time.Now().UTC()
	members := make([]chat.GroupMember, 0, len(userIDs))
	for _, id := range userIDs {
		members = append(members, chat.GroupMember{GroupID: groupID, UserID: id, Role: chat.RoleMember, JoinedAt: now})
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
}

func (s *GroupStore) RemoveMember(ctx context.Context, groupID, userID string) error {
	tx := s.db.WithContext(ctx).Where("group_id = ? AND user_id = ?", groupID, userID).Delete(&chat.GroupMember{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GroupStore) SetRole(ctx context.Context, groupID, userID string, role chat.Role) error {
	tx := s.db.WithContext(ctx).Model(&chat.GroupMember{}).
		Where("group_id = ? AND user_id = ?", groupID, userID).
		Update("role", role)
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateInfo renames the group and replaces its avatar.
func (s *GroupStore) UpdateInfo(ctx context.Context, groupID, name, avatar string) error {
	tx := s.db.WithContext(ctx).Model(&chat.Group{}).Where("id = ?", groupID).Updates(map[string]interface{}{
		"name":       name,
		"avatar":     avatar,
		"updated_at": time.Now().UTC(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Deactivate marks the group dissolved. History stays readable.
func (s *GroupStore) Deactivate(ctx context.Context, groupID string) error {
	tx := s.db.WithContext(ctx).Model(&chat.Group{}).Where("id = ?", groupID).Updates(map[string]interface{}{
		"active":     false,
		"updated_at": time.Now().UTC(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
