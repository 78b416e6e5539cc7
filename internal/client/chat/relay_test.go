package chat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sent struct {
	event   string
	payload any
}

type fakePusher struct {
	sent   []sent
	result func(event string, payload any) *signaling.Push
}

func (f *fakePusher) Push(event string, payload any) *signaling.Push {
	f.sent = append(f.sent, sent{event, payload})
	return f.result(event, payload)
}

func ackWith(id string, at time.Time) func(string, any) *signaling.Push {
	return func(string, any) *signaling.Push {
		raw, _ := json.Marshal(wire.NewMsgAck{ID: id, SentAt: at})
		return signaling.Completed(raw, nil)
	}
}

func failWith(err error) func(string, any) *signaling.Push {
	return func(string, any) *signaling.Push { return signaling.Completed(nil, err) }
}

type loop chan func()

func (l loop) post(fn func()) { l <- fn }

func (l loop) drain(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l:
		fn()
	case <-time.After(time.Second):
		t.Fatal("nothing posted")
	}
}

var self = domain.Participant{ID: "alice", DisplayName: "Alice"}

func newTestRelay(p *fakePusher, l loop, now func() time.Time) *Relay {
	return NewRelay(p, Options{Self: self, Post: l.post, Now: now})
}

func TestSendReconciledByAck(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	p := &fakePusher{result: ackWith("01HSRV", at)}
	l := make(loop, 4)
	r := newTestRelay(p, l, nil)

	e, err := r.Send("  hi  ")
	require.NoError(t, err)
	assert.Equal(t, "hi", e.Body)
	assert.Regexp(t, `^tmp-`, e.ID)
	assert.Equal(t, domain.DeliveryPending, e.Status)

	require.Len(t, p.sent, 1)
	assert.Equal(t, wire.EventNewMsg, p.sent[0].event)
	assert.Equal(t, wire.NewMsgPush{ClientID: e.ID, Body: "hi"}, p.sent[0].payload)

	l.drain(t)
	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "01HSRV", msgs[0].ID)
	assert.Equal(t, at, msgs[0].SentAt)
	assert.Equal(t, domain.DeliverySent, msgs[0].Status)

	// The hub echo of our own message collapses into the same entry.
	appended := r.Receive(domain.ChatMessage{ID: "01HSRV", ClientID: e.ID, SenderID: "alice", Body: "hi", SentAt: at})
	assert.False(t, appended)
	assert.Len(t, r.Messages(), 1)
}

func TestEchoBeforeAck(t *testing.T) {
	p := &fakePusher{result: ackWith("01HSRV", time.Time{})}
	l := make(loop, 4)
	r := newTestRelay(p, l, nil)

	e, err := r.Send("hi")
	require.NoError(t, err)
	assert.False(t, r.Receive(domain.ChatMessage{ID: "01HSRV", ClientID: e.ClientID, SenderID: "alice", Body: "hi"}))

	l.drain(t)
	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "01HSRV", msgs[0].ID)
	assert.Equal(t, domain.DeliverySent, msgs[0].Status)
}

func TestSendEmpty(t *testing.T) {
	r := newTestRelay(&fakePusher{}, make(loop, 1), nil)
	_, err := r.Send("   ")
	assert.ErrorIs(t, err, ErrEmptyBody)
	assert.Empty(t, r.Messages())
}

func TestFailedSendAndResend(t *testing.T) {
	p := &fakePusher{result: failWith(signaling.ErrPushTimeout)}
	l := make(loop, 4)
	r := newTestRelay(p, l, nil)

	e, err := r.Send("hello")
	require.NoError(t, err)
	l.drain(t)
	assert.Equal(t, domain.DeliveryFailed, r.Messages()[0].Status)

	p.result = ackWith("01HOK", time.Now())
	require.NoError(t, r.Resend(e.ClientID))
	assert.Equal(t, domain.DeliveryPending, r.Messages()[0].Status)
	require.Len(t, p.sent, 2)
	assert.Equal(t, wire.NewMsgPush{ClientID: e.ClientID, Body: "hello"}, p.sent[1].payload)

	l.drain(t)
	msgs := r.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "01HOK", msgs[0].ID)
	assert.Equal(t, domain.DeliverySent, msgs[0].Status)

	assert.ErrorIs(t, r.Resend(e.ClientID), ErrNotResendable)
	assert.ErrorIs(t, r.Resend("tmp-nope"), ErrUnknownEntry)
}

func TestReceiveAndHistoryDeduplicate(t *testing.T) {
	r := newTestRelay(&fakePusher{}, make(loop, 1), nil)
	m1 := domain.ChatMessage{ID: "1", SenderID: "bob", Body: "a"}
	m2 := domain.ChatMessage{ID: "2", SenderID: "bob", Body: "b"}

	r.LoadHistory([]domain.ChatMessage{m1, m2})
	assert.True(t, r.Receive(domain.ChatMessage{ID: "3", SenderID: "carol", Body: "c"}))
	assert.False(t, r.Receive(m2))
	r.LoadHistory([]domain.ChatMessage{m1, m2})

	msgs := r.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{msgs[0].ID, msgs[1].ID, msgs[2].ID})
	for _, m := range msgs {
		assert.Equal(t, domain.DeliverySent, m.Status)
		assert.False(t, m.Local)
	}
}

func TestTypingExpires(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	r := newTestRelay(&fakePusher{}, make(loop, 1), clock)

	r.Typing("bob", true)
	r.Typing("carol", true)
	r.Typing("alice", true)
	assert.Equal(t, []domain.UserID{"bob", "carol"}, r.Typers())

	r.Typing("carol", false)
	assert.Equal(t, []domain.UserID{"bob"}, r.Typers())

	now = now.Add(DefaultTypingQuiet)
	assert.Empty(t, r.Typers())
}

func TestMessageClearsTyping(t *testing.T) {
	r := newTestRelay(&fakePusher{}, make(loop, 1), nil)
	r.Typing("bob", true)
	r.Receive(domain.ChatMessage{ID: "1", SenderID: "bob", Body: "done"})
	assert.Empty(t, r.Typers())
}

func TestSetTypingPushes(t *testing.T) {
	p := &fakePusher{result: failWith(signaling.ErrNotJoined)}
	r := newTestRelay(p, make(loop, 1), nil)
	r.SetTyping(true)
	r.SetTyping(false)
	require.Len(t, p.sent, 2)
	assert.Equal(t, wire.Typing{UserID: "alice", Typing: false}, p.sent[1].payload)
}
