package user

import (
	"strings"
	"time"
)

// Status is a user's reachability derived from live endpoint count.
type Status string

const (
	StatusOnline  Status = "ONLINE"
	StatusOffline Status = "OFFLINE"
)

// Wire returns the lower-cased form sent to clients.
func (s Status) Wire() string {
	return strings.ToLower(string(s))
}

// User is an account known to the chat backend.
type User struct {
	ID           string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	Username     string    `json:"username" gorm:"type:varchar(64);uniqueIndex;not null"`
	Phone        *string   `json:"phone,omitempty" gorm:"type:varchar(32);uniqueIndex"`
	PasswordHash string    `json:"-" gorm:"type:varchar(128);not null"`
	Avatar       string    `json:"avatar,omitempty" gorm:"type:varchar(512)"`
	Status       Status    `json:"status" gorm:"type:varchar(16);not null;default:OFFLINE"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func (User) TableName() string {
	return "users"
}

// SetPhone leaves Phone NULL for empty input so the unique index ignores it.
func (u *User) SetPhone(phone string) {
	if phone == "" {
		return
	}
	u.Phone = &phone
}

// Profile is the public view of a user.
type Profile struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	Status   string `json:"status"`
}

func (u *User) Profile() Profile {
	return Profile{
		ID:       u.ID,
		Username: u.Username,
		Avatar:   u.Avatar,
		Status:   u.Status.Wire(),
	}
}
