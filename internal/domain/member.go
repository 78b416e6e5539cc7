package domain

import "time"

// Participant is an entry of the meeting roster.
// Owned by the presence tracker; read-only everywhere else.
type Participant struct {
	ID          UserID    `json:"id"`
	DisplayName string    `json:"name"`
	JoinedAt    time.Time `json:"joined_at"`
	// Order is the server join-order hint, zero when absent.
	Order int64 `json:"order,omitempty"`
}

// Member represents user's participation meta for a meeting on the hub.
type Member struct {
	User     *User
	JoinedAt time.Time
	Order    int64
}

// NewMember avoids raw literals in adapters and keeps construction obvious.
func NewMember(user *User, joinedAt time.Time, order int64) *Member {
	return &Member{User: user, JoinedAt: joinedAt, Order: order}
}

func (m *Member) Participant() Participant {
	return Participant{
		ID:          m.User.ID,
		DisplayName: m.User.Username,
		JoinedAt:    m.JoinedAt,
		Order:       m.Order,
	}
}
