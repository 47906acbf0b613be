package chat

import "time"

// Role of a member inside a group.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleAdmin  Role = "ADMIN"
	RoleMember Role = "MEMBER"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleOwner, RoleAdmin, RoleMember:
		return true
	}
	return false
}

// Group is a multi-user conversation.
type Group struct {
	ID        string        `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Name      string        `json:"name" gorm:"type:varchar(128);not null"`
	CreatorID string        `json:"creatorId" gorm:"type:varchar(64);not null"`
	Avatar    string        `json:"avatar,omitempty" gorm:"type:varchar(512)"`
	Active    bool          `json:"isActive" gorm:"not null;default:true"`
	Members   []GroupMember `json:"members" gorm:"foreignKey:GroupID;constraint:OnDelete:CASCADE"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (Group) TableName() string {
	return "groups"
}

// GroupMember links a user to a group with a role.
type GroupMember struct {
	GroupID  string    `json:"-" gorm:"primaryKey;type:varchar(64)"`
	UserID   string    `json:"userId" gorm:"primaryKey;type:varchar(64);index"`
	Role     Role      `json:"role" gorm:"type:varchar(16);not null"`
	JoinedAt time.Time `json:"joinedAt" gorm:"autoCreateTime"`
}

func (GroupMember) TableName() string {
	return "group_members"
}

// MemberIDs returns the member identities in join order.
func (g *Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, m := range g.Members {
		ids = append(ids, m.UserID)
	}
	return ids
}

// RoleOf returns the member's role and whether the user is a member.
func (g *Group) RoleOf(userID string) (Role, bool) {
	for _, m := range g.Members {
		if m.UserID == userID {
			return m.Role, true
		}
	}
	return "", false
}

// HasMember reports group membership.
func (g *Group) HasMember(userID string) bool {
	_, ok := g.RoleOf(userID)
	return ok
}

// Roles returns the per-member role map.
func (g *Group) Roles() map[string]Role {
	roles := make(map[string]Role, len(g.Members))
	for _, m := range g.Members {
		roles[m.UserID] = m.Role
	}
	return roles
}
