package chat

import (
	"context"
	"strings"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

// ChatHistory returns the direct conversation between userID and peerID,
// oldest first. The result does not depend on argument order.
func (r *Router) ChatHistory(ctx context.Context, userID, peerID string) ([]chat.Message, error) {
	if peerID == "" {
		return nil, ErrInvalidTarget
	}
	return r.messages.ListByPair(ctx, userID, peerID)
}

// GroupHistory returns every message of a group, oldest first. Only members
// may read it; dissolved groups stay readable.
func (r *Router) GroupHistory(ctx context.Context, userID, groupID string) ([]chat.Message, error) {
	if err := r.requireMember(ctx, userID, groupID); err != nil {
		return nil, err
	}
	return r.messages.ListByGroup(ctx, groupID)
}

// Pinned returns pinned messages of the group or direct pair named by scope.
func (r *Router) Pinned(ctx context.Context, userID string, scope chat.Scope) ([]chat.Message, error) {
	if scope.GroupID != "" {
		if err := r.requireMember(ctx, userID, scope.GroupID); err != nil {
			return nil, err
		}
		return r.messages.ListPinnedByGroup(ctx, scope.GroupID)
	}
	if scope.PeerID == "" {
		return nil, ErrInvalidTarget
	}
	return r.messages.ListPinnedByPair(ctx, userID, scope.PeerID)
}

// Search matches keyword as a substring of message content inside scope.
func (r *Router) Search(ctx context.Context, userID string, scope chat.Scope, keyword string) ([]chat.Message, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return nil, ErrEmptyKeyword
	}

	if scope.GroupID != "" {
		if err := r.requireMember(ctx, userID, scope.GroupID); err != nil {
			return nil, err
		}
		return r.messages.SearchByGroup(ctx, scope.GroupID, keyword, r.search.CaseSensitive)
	}

	if scope.PeerID == "" {
		return nil, ErrInvalidTarget
	}
	if !r.search.DirectEnabled {
		return nil, ErrSearchDisabled
	}
	return r.messages.SearchByPair(ctx, userID, scope.PeerID, keyword, r.search.CaseSensitive)
}

func (r *Router) requireMember(ctx context.Context, userID, groupID string) error {
	g, err := r.groups.FindByID(ctx, groupID)
	if err != nil {
		return err
	}
	if g == nil {
		return ErrGroupNotFound
	}
	if !g.HasMember(userID) {
		return ErrNotMember
	}
	return nil
}
