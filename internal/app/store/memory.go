package store

import (
	"context"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
)

type meetingLog struct {
	msgs     []domain.ChatMessage
	byClient map[string]domain.ChatMessage
}

// Memory is the in-process ChatStore. It keeps at most limit messages
// per meeting.
type Memory struct {
	mu    sync.Mutex
	limit int
	logs  map[domain.MeetingID]*meetingLog
}

func NewMemory(limit int) *Memory {
	return &Memory{limit: limit, logs: make(map[domain.MeetingID]*meetingLog)}
}

func (m *Memory) Append(_ context.Context, id domain.MeetingID, msg domain.ChatMessage) (domain.ChatMessage, bool, error) {
	if msg.ID == "" {
		return domain.ChatMessage{}, false, ErrEmptyID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		l = &meetingLog{byClient: make(map[string]domain.ChatMessage)}
		m.logs[id] = l
	}
	if msg.ClientID != "" {
		if prev, ok := l.byClient[clientKey(msg)]; ok {
			return prev, true, nil
		}
		l.byClient[clientKey(msg)] = msg
	}
	l.msgs = append(l.msgs, msg)
	if m.limit > 0 && len(l.msgs) > m.limit {
		for _, old := range l.msgs[:len(l.msgs)-m.limit] {
			if old.ClientID != "" {
				delete(l.byClient, clientKey(old))
			}
		}
		l.msgs = append([]domain.ChatMessage(nil), l.msgs[len(l.msgs)-m.limit:]...)
	}
	return msg, false, nil
}

func (m *Memory) History(_ context.Context, id domain.MeetingID, limit int) ([]domain.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[id]
	if !ok {
		return nil, nil
	}
	msgs := l.msgs
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]domain.ChatMessage(nil), msgs...), nil
}

func (m *Memory) Drop(_ context.Context, id domain.MeetingID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.logs, id)
	return nil
}
