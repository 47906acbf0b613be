package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/zhouzirui/z-chat/backend/internal/model/user"
)

// TokenStore persists revoked token ids so every node sharing the database
// rejects them, including after a restart.
type TokenStore struct {
	db *gorm.DB
}

// Revoke is idempotent. Rows whose token has already expired are purged on
// the way.
func (s *TokenStore) Revoke(ctx context.Context, jti string, expiresAt time.Time) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("expires_at <= ?", now).Delete(&user.RevokedToken{}).Error; err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&user.RevokedToken{
			JTI:       jti,
			ExpiresAt: expiresAt.UTC(),
		}).Error
	})
}

func (s *TokenStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&user.RevokedToken{}).
		Where("jti = ? AND expires_at > ?", jti, time.Now().UTC()).
		Count(&n).Error
	return n > 0, err
}
