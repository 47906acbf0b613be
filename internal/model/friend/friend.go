package friend

import "time"

// Status of a stored relationship record. NONE is represented by the
// absence of a record.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusAccepted Status = "ACCEPTED"
	StatusBlocked  Status = "BLOCKED"
)

// State is the relationship between two users as seen by the graph.
type State string

const (
	StateNone     State = "NONE"
	StatePending  State = "PENDING"
	StateAccepted State = "ACCEPTED"
	StateBlocked  State = "BLOCKED"
)

// Friend is a relationship record between two users. For PENDING the sender
// is the requester; for BLOCKED the sender is the blocker.
type Friend struct {
	ID         string    `json:"id" gorm:"primaryKey;type:varchar(64)"`
	SenderID   string    `json:"senderId" gorm:"type:varchar(64);not null;index"`
	ReceiverID string    `json:"receiverId" gorm:"type:varchar(64);not null;index"`
	PairKey    string    `json:"-" gorm:"type:varchar(160);uniqueIndex;not null"`
	Status     Status    `json:"status" gorm:"type:varchar(16);not null;index"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (Friend) TableName() string {
	return "friends"
}

// PairKey sorts the two ids so there is only one key per unordered pair.
func PairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// Involves reports whether userID is one side of the relationship.
func (f *Friend) Involves(userID string) bool {
	return f.SenderID == userID || f.ReceiverID == userID
}

// Peer returns the other side of the relationship.
func (f *Friend) Peer(userID string) string {
	if f.SenderID == userID {
		return f.ReceiverID
	}
	return f.SenderID
}

// Relationship is the query view of a pair.
type Relationship struct {
	State     State  `json:"state"`
	RequestID string `json:"requestId,omitempty"`
	Initiator string `json:"initiator,omitempty"`
}
