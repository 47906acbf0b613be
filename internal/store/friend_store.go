package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/zhouzirui/z-chat/backend/internal/model/friend"
)

// FriendStore persists relationship records, one per unordered pair.
type FriendStore struct {
	db *gorm.DB
}

// FindByPair returns the record for {a, b} in either direction, or nil, nil.
func (s *FriendStore) FindByPair(ctx context.Context, a, b string) (*friend.Friend, error) {
	f := &friend.Friend{}
	err := s.db.WithContext(ctx).Where("pair_key = ?", friend.PairKey(a, b)).First(f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// FindByID returns nil, nil when the record does not exist.
func (s *FriendStore) FindByID(ctx context.Context, id string) (*friend.Friend, error) {
	f := &friend.Friend{}
	err := s.db.WithContext(ctx).Where("id = ?", id).First(f).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return f, nil
}

// Create inserts a record. A second record for the same pair fails with ErrConflict.
func (s *FriendStore) Create(ctx context.Context, f *friend.Friend) error {
	now := time.Now().UTC()
	f.PairKey = friend.PairKey(f.SenderID, f.ReceiverID)
	f.CreatedAt = now
	f.UpdatedAt = now
	return translate(s.db.WithContext(ctx).Create(f).Error)
}

// Transition rewrites status and direction only if the record is still in
// state from. ErrConflict means another writer got there first.
func (s *FriendStore) Transition(ctx context.Context, f *friend.Friend, from friend.Status) error {
	f.UpdatedAt = time.Now().UTC()
	tx := s.db.WithContext(ctx).Model(&friend.Friend{}).
		Where("id = ? AND status = ?", f.ID, from).
		Updates(map[string]interface{}{
			"sender_id":   f.SenderID,
			"receiver_id": f.ReceiverID,
			"status":      f.Status,
			"updated_at":  f.UpdatedAt,
		})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// DeleteIf removes the record only while it is in state status.
func (s *FriendStore) DeleteIf(ctx context.Context, id string, status friend.Status) error {
	tx := s.db.WithContext(ctx).Where("id = ? AND status = ?", id, status).Delete(&friend.Friend{})
	if tx.Error != nil {
		return tx.Error
	}
	if tx.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// AcceptedPeers returns the friend ids of userID ordered by acceptance time.
func (s *FriendStore) AcceptedPeers(ctx context.Context, userID string) ([]string, error) {
	var records []friend.Friend
	err := s.db.WithContext(ctx).
		Where("status = ? AND (sender_id = ? OR receiver_id = ?)", friend.StatusAccepted, userID, userID).
		Order("updated_at").Order("id").
		Find(&records).Error
	if err != nil {
		return nil, err
	}

	peers := make([]string, 0, len(records))
	for i := range records {
		peers = append(peers, records[i].Peer(userID))
	}
	return peers, nil
}

// PendingFor returns requests waiting on userID, oldest first.
func (s *FriendStore) PendingFor(ctx context.Context, userID string) ([]friend.Friend, error) {
	records := make([]friend.Friend, 0)
	err := s.db.WithContext(ctx).
		Where("status = ? AND receiver_id = ?", friend.StatusPending, userID).
		Order("created_at").Order("id").
		Find(&records).Error
	return records, err
}

// BlockedBy returns the users blocked by userID.
func (s *FriendStore) BlockedBy(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&friend.Friend{}).
		Where("status = ? AND sender_id = ?", friend.StatusBlocked, userID).
		Order("updated_at").
		Pluck("receiver_id", &ids).Error
	return ids, err
}
