package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/internal/store"
)

// maxBatchUsers bounds a single profile lookup.
const maxBatchUsers = 200

// ProfileInput changes the fields that are set; nil fields are kept. An
// empty phone clears it.
type ProfileInput struct {
	Username *string `json:"username"`
	Phone    *string `json:"phone"`
	Avatar   *string `json:"avatar"`
}

// UpdateProfile applies in to the account of userID.
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileInput) (*user.User, error) {
	u, err := s.Me(ctx, userID)
	if err != nil {
		return nil, err
	}

	if in.Username != nil {
		username := strings.TrimSpace(*in.Username)
		if username == "" {
			return nil, ErrUsernameRequired
		}
		u.Username = username
	}
	if in.Phone != nil {
		u.Phone = nil
		u.SetPhone(strings.TrimSpace(*in.Phone))
	}
	if in.Avatar != nil {
		u.Avatar = strings.TrimSpace(*in.Avatar)
	}

	if err := s.users.UpdateProfile(ctx, u); err != nil {
		switch {
		case errors.Is(err, store.ErrConflict):
			return nil, ErrAccountExists
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return u, nil
}

// ChangePassword replaces the password after checking the current one.
// Tokens issued before the change stay valid until they expire.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	if len(next) < minPasswordLen {
		return ErrWeakPassword
	}

	u, err := s.Me(ctx, userID)
	if err != nil {
		return err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(current)); err != nil {
		return ErrWrongPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(next), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.users.UpdatePassword(ctx, u.ID, string(hash)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUserNotFound
		}
		return err
	}

	s.log.Info("password changed", zap.String("user", u.ID))
	return nil
}

// FindByPhone looks a user up by exact phone number.
func (s *Service) FindByPhone(ctx context.Context, phone string) (*user.User, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return nil, ErrPhoneRequired
	}
	u, err := s.users.FindByPhone(ctx, phone)
	if err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrUserNotFound
	}
	return u, nil
}

// Users returns the accounts found among ids. Unknown ids are skipped.
func (s *Service) Users(ctx context.Context, ids []string) ([]user.User, error) {
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	if len(unique) > maxBatchUsers {
		return nil, ErrTooManyUsers
	}
	return s.users.ListByIDs(ctx, unique)
}
