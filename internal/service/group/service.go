// Package group manages group membership and roles.
package group

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/user"
	"github.com/zhouzirui/z-chat/backend/internal/store"
	"github.com/zhouzirui/z-chat/backend/pkg/keylock"
	"github.com/zhouzirui/z-chat/backend/pkg/logger"
)

var (
	ErrNameRequired     = errors.New("group name is required")
	ErrGroupNotFound    = errors.New("group not found")
	ErrGroupInactive    = errors.New("group is dissolved")
	ErrUserNotFound     = errors.New("user not found")
	ErrNotMember        = errors.New("not a group member")
	ErrForbidden        = errors.New("insufficient group role")
	ErrInvalidRole      = errors.New("invalid role")
	ErrOwnerCannotLeave = errors.New("owner cannot leave; dissolve the group instead")
)

// Store is the group persistence.
type Store interface {
	Create(ctx context.Context, g *chat.Group) error
	FindByID(ctx context.Context, id string) (*chat.Group, error)
	ListByMember(ctx context.Context, userID string) ([]chat.Group, error)
	AddMembers(ctx context.Context, groupID string, userIDs []string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	SetRole(ctx context.Context, groupID, userID string, role chat.Role) error
	UpdateInfo(ctx context.Context, groupID, name, avatar string) error
	Deactivate(ctx context.Context, groupID string) error
}

type UserLookup interface {
	ListByIDs(ctx context.Context, ids []string) ([]user.User, error)
}

// Service applies membership changes; changes to one group are serialised.
type Service struct {
	groups Store
	users  UserLookup
	locks  *keylock.Locker
	log    *zap.Logger
}

// NewService bootstraps group management over the given stores.
func NewService(groups Store, users UserLookup, log *zap.Logger) *Service {
	return &Service{groups: groups, users: users, locks: keylock.New(), log: logger.OrNop(log)}
}

// Create makes creatorID the OWNER and everyone in memberIDs a MEMBER.
func (s *Service) Create(ctx context.Context, creatorID, name, avatar string, memberIDs []string) (*chat.Group, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrNameRequired
	}

	others := dedupe(memberIDs, creatorID)
	if err := s.requireUsers(ctx, append([]string{creatorID}, others...)); err != nil {
		return nil, err
	}

	g := &chat.Group{
		ID:        uuid.NewString(),
		Name:      name,
		CreatorID: creatorID,
		Avatar:    strings.TrimSpace(avatar),
		Active:    true,
		Members:   []chat.GroupMember{{UserID: creatorID, Role: chat.RoleOwner}},
	}
	for _, id := range others {
		g.Members = append(g.Members, chat.GroupMember{UserID: id, Role: chat.RoleMember})
	}

	if err := s.groups.Create(ctx, g); err != nil {
		return nil, err
	}
	s.log.Info("group created", zap.String("group", g.ID), zap.String("owner", creatorID), zap.Int("members", len(g.Members)))
	return s.groups.FindByID(ctx, g.ID)
}

// Get returns a group the caller belongs to.
func (s *Service) Get(ctx context.Context, userID, groupID string) (*chat.Group, error) {
	g, err := s.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(userID) {
		return nil, ErrNotMember
	}
	return g, nil
}

// List returns the active groups of userID.
func (s *Service) List(ctx context.Context, userID string) ([]chat.Group, error) {
	return s.groups.ListByMember(ctx, userID)
}

// AddMembers requires OWNER or ADMIN. Existing members are left unchanged.
func (s *Service) AddMembers(ctx context.Context, actorID, groupID string, userIDs []string) (*chat.Group, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadActive(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !canManage(g, actorID) {
		return nil, ErrForbidden
	}

	ids := dedupe(userIDs, "")
	if err := s.requireUsers(ctx, ids); err != nil {
		return nil, err
	}
	if err := s.groups.AddMembers(ctx, groupID, ids); err != nil {
		return nil, err
	}
	return s.groups.FindByID(ctx, groupID)
}

// RemoveMember lets a member leave, or an OWNER/ADMIN remove someone of a
// lower role.
func (s *Service) RemoveMember(ctx context.Context, actorID, groupID, userID string) error {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadActive(ctx, groupID)
	if err != nil {
		return err
	}

	targetRole, ok := g.RoleOf(userID)
	if !ok {
		return ErrNotMember
	}

	if actorID == userID {
		if targetRole == chat.RoleOwner {
			return ErrOwnerCannotLeave
		}
	} else {
		actorRole, ok := g.RoleOf(actorID)
		if !ok || rank(actorRole) <= rank(targetRole) || !canManage(g, actorID) {
			return ErrForbidden
		}
	}

	if err := s.groups.RemoveMember(ctx, groupID, userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotMember
		}
		return err
	}
	return nil
}

// AssignRole lets the OWNER promote or demote members between ADMIN and MEMBER.
func (s *Service) AssignRole(ctx context.Context, actorID, groupID, userID string, role chat.Role) (*chat.Group, error) {
	if role != chat.RoleAdmin && role != chat.RoleMember {
		return nil, ErrInvalidRole
	}

	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadActive(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if r, _ := g.RoleOf(actorID); r != chat.RoleOwner {
		return nil, ErrForbidden
	}
	current, ok := g.RoleOf(userID)
	if !ok {
		return nil, ErrNotMember
	}
	if current == chat.RoleOwner {
		return nil, ErrForbidden
	}

	if err := s.groups.SetRole(ctx, groupID, userID, role); err != nil {
		return nil, err
	}
	return s.groups.FindByID(ctx, groupID)
}

// Update renames the group or changes its avatar; nil fields are kept.
// Requires OWNER or ADMIN.
func (s *Service) Update(ctx context.Context, actorID, groupID string, name, avatar *string) (*chat.Group, error) {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadActive(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.HasMember(actorID) {
		return nil, ErrNotMember
	}
	if !canManage(g, actorID) {
		return nil, ErrForbidden
	}

	newName, newAvatar := g.Name, g.Avatar
	if name != nil {
		newName = strings.TrimSpace(*name)
		if newName == "" {
			return nil, ErrNameRequired
		}
	}
	if avatar != nil {
		newAvatar = strings.TrimSpace(*avatar)
	}

	if err := s.groups.UpdateInfo(ctx, groupID, newName, newAvatar); err != nil {
		return nil, err
	}
	s.log.Info("group updated", zap.String("group", groupID), zap.String("actor", actorID))
	return s.groups.FindByID(ctx, groupID)
}

// Dissolve marks the group inactive. Only the OWNER may do it; history stays.
func (s *Service) Dissolve(ctx context.Context, actorID, groupID string) error {
	unlock := s.locks.Lock(groupID)
	defer unlock()

	g, err := s.loadActive(ctx, groupID)
	if err != nil {
		return err
	}
	if r, _ := g.RoleOf(actorID); r != chat.RoleOwner {
		return ErrForbidden
	}
	if err := s.groups.Deactivate(ctx, groupID); err != nil {
		return err
	}
	s.log.Info("group dissolved", zap.String("group", groupID), zap.String("owner", actorID))
	return nil
}

func (s *Service) load(ctx context.Context, groupID string) (*chat.Group, error) {
	g, err := s.groups.FindByID(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if g == nil {
		return nil, ErrGroupNotFound
	}
	return g, nil
}

func (s *Service) loadActive(ctx context.Context, groupID string) (*chat.Group, error) {
	g, err := s.load(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if !g.Active {
		return nil, ErrGroupInactive
	}
	return g, nil
}

func (s *Service) requireUsers(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	found, err := s.users.ListByIDs(ctx, ids)
	if err != nil {
		return err
	}
	if len(found) != len(ids) {
		return ErrUserNotFound
	}
	return nil
}

func canManage(g *chat.Group, userID string) bool {
	r, ok := g.RoleOf(userID)
	return ok && (r == chat.RoleOwner || r == chat.RoleAdmin)
}

func rank(r chat.Role) int {
	switch r {
	case chat.RoleOwner:
		return 3
	case chat.RoleAdmin:
		return 2
	default:
		return 1
	}
}

// dedupe drops blanks, duplicates and skip, keeping first-seen order.
func dedupe(ids []string, skip string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || id == skip {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
