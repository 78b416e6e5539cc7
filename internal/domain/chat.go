package domain

import "time"

type DeliveryStatus int

const (
	DeliveryPending DeliveryStatus = iota
	DeliverySent
	DeliveryFailed
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliverySent:
		return "sent"
	case DeliveryFailed:
		return "failed"
	}
	return "unknown"
}

// ChatMessage is one entry of the meeting chat log.
// ClientID is the sender-side temporary id used to collapse the optimistic
// copy with the confirmed one.
type ChatMessage struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"client_id,omitempty"`
	SenderID   UserID    `json:"sender_id"`
	SenderName string    `json:"sender_name"`
	Body       string    `json:"body"`
	SentAt     time.Time `json:"sent_at"`
}
