// Package store keeps meeting chat history.
package store

import (
	"context"
	"errors"

	"github.com/dkeye/Meet/internal/domain"
)

var ErrEmptyID = errors.New("message without id")

// ChatStore appends messages per meeting and de-duplicates resends by the
// sender's client id.
type ChatStore interface {
	// Append stores msg unless its sender already stored one with the same
	// client id; then it returns the stored copy and dup=true.
	Append(ctx context.Context, id domain.MeetingID, msg domain.ChatMessage) (stored domain.ChatMessage, dup bool, err error)
	// History returns up to limit most recent messages, oldest first.
	History(ctx context.Context, id domain.MeetingID, limit int) ([]domain.ChatMessage, error)
	// Drop forgets a meeting.
	Drop(ctx context.Context, id domain.MeetingID) error
}

func clientKey(msg domain.ChatMessage) string {
	return string(msg.SenderID) + "/" + msg.ClientID
}
