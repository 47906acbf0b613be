package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/zhouzirui/z-chat/backend/internal/model/user"
)

// UserStore persists accounts and their presence status.
type UserStore struct {
	db *gorm.DB
}

func (s *UserStore) Create(ctx context.Context, u *user.User) error {
	if u.Status == "" {
		u.Status = user.StatusOffline
	}
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

// FindByID returns nil, nil when the user does not exist.
func (s *UserStore) FindByID(ctx context.Context, id string) (*user.User, error) {
	return s.findOne(ctx, "id = ?", id)
}

func (s *UserStore) FindByUsername(ctx context.Context, username string) (*user.User, error) {
	return s.findOne(ctx, "username = ?", username)
}

func (s *UserStore) FindByPhone(ctx context.Context, phone string) (*user.User, error) {
	return s.findOne(ctx, "phone = ?", phone)
}

func (s *UserStore) findOne(ctx context.Context, query string, arg string) (*user.User, error) {
	u := &user.User{}
	err := s.db.WithContext(ctx).Where(query, arg).First(u).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u, nil
}

// ListByIDs returns the users found among ids, ordered by username.
func (s *UserStore) ListByIDs(ctx context.Context, ids []string) ([]user.User, error) {
	users := make([]user.User, 0, len(ids))
	if len(ids) == 0 {
		return users, nil
	}
	err := s.db.WithContext(ctx).Where("id IN ?", ids).Order("username").Find(&users).Error
	return users, err
}

// UpdateProfile writes username, phone and avatar of u. A taken username or
// phone yields ErrConflict.
func (s *UserStore) UpdateProfile(ctx context.Context, u *user.User) error {
	tx := s.db.WithContext(ctx).Model(&user.User{}).Where("id = ?", u.ID).Updates(map[string]interface{}{
		"username":   u.Username,
		"phone":      u.Phone,
		"avatar":     u.Avatar,
		"updated_at": time.Now().UTC(),
	})
	if err := translate(tx.Error); err != nil {
		return err
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *UserStore) UpdatePassword(ctx context.Context, id, hash string) error {
	tx := s.db.WithContext(ctx).Model(&user.User{}).Where("id = ?", id).Updates(map[string]interface{}{
		"password_hash": hash,
		"updated_at":    time.Now().UTC(),
	})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus persists the presence status. changed is false when the user
// already had it.
func (s *UserStore) UpdateStatus(ctx context.Context, id string, status user.Status) (bool, error) {
	tx := s.db.WithContext(ctx).Model(&user.User{}).
		Where("id = ? AND status <> ?", id, status).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now().UTC(),
		})
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}

	exists, err := s.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	if exists == nil {
		return false, ErrNotFound
	}
	return false, nil
}
