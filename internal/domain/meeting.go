package domain

import (
	"errors"
	"strings"
)

const topicPrefix = "meeting:"

var ErrBadTopic = errors.New("bad topic")

type MeetingID string

type Meeting struct {
	ID MeetingID
}

// Topic is the pub/sub topic carrying everything about one meeting.
func (id MeetingID) Topic() string { return topicPrefix + string(id) }

func ParseTopic(topic string) (MeetingID, error) {
	id, ok := strings.CutPrefix(topic, topicPrefix)
	if !ok || id == "" {
		return "", ErrBadTopic
	}
	return MeetingID(id), nil
}
