package orch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []wire.Envelope
	full   bool
}

func (c *fakeConn) TrySend(f core.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.full {
		return assert.AnError
	}
	var env wire.Envelope
	if err := json.Unmarshal(f, &env); err != nil {
		return err
	}
	c.frames = append(c.frames, env)
	return nil
}

func (c *fakeConn) Close() {}

func (c *fakeConn) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.frames))
	for _, f := range c.frames {
		out = append(out, f.Event)
	}
	return out
}

func (c *fakeConn) last(event string) (wire.Envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.frames) - 1; i >= 0; i-- {
		if c.frames[i].Event == event {
			return c.frames[i], true
		}
	}
	return wire.Envelope{}, false
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type hub struct {
	*Orchestrator
	canceled map[core.SessionID]bool
	mu       sync.Mutex
}

func newHub(t *testing.T) *hub {
	t.Helper()
	h := &hub{canceled: make(map[core.SessionID]bool)}
	h.Orchestrator = &Orchestrator{
		Registry:        app.NewRegistry(),
		Meetings:        app.NewMeetingManager(),
		Policy:          app.SimplePolicy{},
		Store:           store.NewMemory(50),
		Limiter:         app.NewRateLimiter(3, time.Minute),
		MaxParticipants: 3,
		HistoryLimit:    50,
	}
	t.Cleanup(h.Shutdown)
	return h
}

func (h *hub) connect(sid core.SessionID) *fakeConn {
	c := &fakeConn{}
	h.Registry.BindSignal(sid, c, func() {
		h.mu.Lock()
		h.canceled[sid] = true
		h.mu.Unlock()
	})
	return c
}

func (h *hub) wasCanceled(sid core.SessionID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled[sid]
}

func (h *hub) join(t *testing.T, sid core.SessionID, uid domain.UserID) JoinOutcome {
	t.Helper()
	return h.enter(t, sid, uid, false)
}

// rejoin joins the way a reconnecting client does.
func (h *hub) rejoin(t *testing.T, sid core.SessionID, uid domain.UserID) JoinOutcome {
	t.Helper()
	return h.enter(t, sid, uid, true)
}

func (h *hub) enter(t *testing.T, sid core.SessionID, uid domain.UserID, rejoin bool) JoinOutcome {
	t.Helper()
	u, err := domain.NewUser(uid, string(uid))
	require.NoError(t, err)
	out, err := h.Join(sid, "m1", u, rejoin)
	require.NoError(t, err)
	h.AnnounceJoin(sid, out)
	return out
}

func decode[T any](t *testing.T, env wire.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Payload, &v))
	return v
}

func TestJoinRosterAndAnnounce(t *testing.T) {
	h := newHub(t)
	a := h.connect("s-a")
	b := h.connect("s-b")

	outA := h.join(t, "s-a", "alice")
	assert.Empty(t, outA.Roster)
	assert.False(t, outA.Resumed)

	outB := h.join(t, "s-b", "bob")
	require.Len(t, outB.Roster, 1)
	assert.Equal(t, domain.UserID("alice"), outB.Roster[0].ID)
	assert.Greater(t, outB.Self.Order, outA.Self.Order)

	joined, ok := a.last(wire.EventUserJoined)
	require.True(t, ok)
	assert.Equal(t, domain.UserID("bob"), decode[wire.UserEvent](t, joined).UserID)

	ps, ok := b.last(wire.EventPresenceState)
	require.True(t, ok)
	state := decode[wire.PresenceState](t, ps)
	assert.Len(t, state, 2)
	assert.NotContains(t, b.events(), wire.EventUserJoined)
	assert.Equal(t, "meeting:m1", ps.Topic)
}

func TestJoinFull(t *testing.T) {
	h := newHub(t)
	for _, id := range []string{"a", "b", "c"} {
		h.connect(core.SessionID(id))
		h.join(t, core.SessionID(id), domain.UserID(id))
	}
	h.connect("d")
	u, _ := domain.NewUser("d", "d")
	_, err := h.Join("d", "m1", u, false)
	assert.ErrorIs(t, err, ErrRoomFull)

	// Same user re-joining does not need a new seat.
	h.connect("a2")
	u, _ = domain.NewUser("a", "a")
	_, err = h.Join("a2", "m1", u, false)
	assert.NoError(t, err)
}

func TestDuplicateLiveSessionIsKicked(t *testing.T) {
	h := newHub(t)
	old := h.connect("s-1")
	other := h.connect("s-o")
	h.join(t, "s-1", "alice")
	h.join(t, "s-o", "bob")
	other.reset()

	h.connect("s-2")
	out := h.join(t, "s-2", "alice")
	assert.False(t, out.Resumed)

	kicked, ok := old.last(wire.EventKicked)
	require.True(t, ok)
	assert.Equal(t, wire.ReasonDuplicate, decode[wire.Kicked](t, kicked).Reason)
	assert.Equal(t, []string{wire.EventUserLeft, wire.EventPresenceState, wire.EventUserJoined}, other.events())

	_, ok = h.Registry.UserIn("s-1", "m1")
	assert.False(t, ok)
	m, _ := h.Meetings.Get("m1")
	assert.Equal(t, 2, m.MemberCount())
}

func TestDisconnectGraceResume(t *testing.T) {
	h := newHub(t)
	h.Grace = time.Minute
	h.connect("s-1")
	other := h.connect("s-o")
	first := h.join(t, "s-1", "alice")
	h.join(t, "s-o", "bob")
	other.reset()

	h.OnDisconnect("s-1")
	m, _ := h.Meetings.Get("m1")
	assert.True(t, m.IsDetached("alice"))
	assert.Empty(t, other.events())

	back := h.connect("s-2")
	out := h.rejoin(t, "s-2", "alice")
	assert.True(t, out.Resumed)
	assert.Equal(t, first.Self.Order, out.Self.Order)
	assert.Empty(t, other.events())
	assert.Equal(t, []string{wire.EventPresenceState}, back.events())
}

func TestFreshClientWithinGraceIsAnnounced(t *testing.T) {
	h := newHub(t)
	h.Grace = time.Minute
	old := h.connect("s-1")
	other := h.connect("s-o")
	first := h.join(t, "s-1", "alice")
	h.join(t, "s-o", "bob")
	other.reset()
	old.reset()

	h.OnDisconnect("s-1")
	h.connect("s-2")
	out := h.join(t, "s-2", "alice")
	assert.False(t, out.Resumed)
	assert.Equal(t, first.Self.Order, out.Self.Order)

	// Bob drops the link to the old client before the new one calls.
	assert.Equal(t, []string{wire.EventUserLeft, wire.EventPresenceState, wire.EventUserJoined}, other.events())
	left, _ := other.last(wire.EventUserLeft)
	assert.Equal(t, domain.UserID("alice"), decode[wire.UserEvent](t, left).UserID)
	assert.Empty(t, old.events())

	m, _ := h.Meetings.Get("m1")
	assert.Equal(t, 2, m.MemberCount())
	assert.False(t, m.IsDetached("alice"))
}

func TestRejoinAfterGraceIsFresh(t *testing.T) {
	h := newHub(t)
	h.Grace = 10 * time.Millisecond
	h.connect("s-1")
	other := h.connect("s-o")
	h.join(t, "s-1", "alice")
	h.join(t, "s-o", "bob")

	h.OnDisconnect("s-1")
	require.Eventually(t, func() bool {
		_, ok := other.last(wire.EventUserLeft)
		return ok
	}, time.Second, 5*time.Millisecond)
	other.reset()

	h.connect("s-2")
	out := h.rejoin(t, "s-2", "alice")
	assert.False(t, out.Resumed)
	assert.Equal(t, []string{wire.EventPresenceState, wire.EventUserJoined}, other.events())
}

func TestDisconnectGraceExpiry(t *testing.T) {
	h := newHub(t)
	h.Grace = 20 * time.Millisecond
	h.connect("s-1")
	other := h.connect("s-o")
	h.join(t, "s-1", "alice")
	h.join(t, "s-o", "bob")
	other.reset()

	h.OnDisconnect("s-1")
	require.Eventually(t, func() bool {
		_, ok := other.last(wire.EventUserLeft)
		return ok
	}, time.Second, 5*time.Millisecond)

	ps, ok := other.last(wire.EventPresenceState)
	require.True(t, ok)
	assert.Len(t, decode[wire.PresenceState](t, ps), 1)
}

func TestLeaveLastMemberStopsMeeting(t *testing.T) {
	h := newHub(t)
	h.connect("s-1")
	h.join(t, "s-1", "alice")
	_, err := h.PostMessage(context.Background(), "s-1", "m1", wire.NewMsgPush{ClientID: "c", Body: "bye"})
	require.NoError(t, err)

	assert.True(t, h.Leave("s-1", "m1"))
	_, ok := h.Meetings.Get("m1")
	assert.False(t, ok)
	assert.False(t, h.Leave("s-1", "m1"))

	hist, err := h.History(context.Background(), "m1")
	require.NoError(t, err)
	assert.Empty(t, hist)
}

func TestRouteSignalTargetsOnly(t *testing.T) {
	h := newHub(t)
	a := h.connect("s-a")
	b := h.connect("s-b")
	c := h.connect("s-c")
	h.join(t, "s-a", "alice")
	h.join(t, "s-b", "bob")
	h.join(t, "s-c", "carol")
	a.reset()
	b.reset()
	c.reset()

	sig := domain.Signal{Kind: domain.SignalCandidate, SenderID: "mallory", TargetID: "bob", Payload: json.RawMessage(`{"candidate":"x"}`)}
	require.NoError(t, h.RouteSignal("s-a", "m1", sig))

	env, ok := b.last(wire.EventSignal)
	require.True(t, ok)
	got := decode[domain.Signal](t, env)
	assert.Equal(t, domain.UserID("alice"), got.SenderID)
	assert.Empty(t, a.events())
	assert.Empty(t, c.events())

	sig.TargetID = "nobody"
	assert.ErrorIs(t, h.RouteSignal("s-a", "m1", sig), core.ErrNoMember)
	assert.ErrorIs(t, h.RouteSignal("s-x", "m1", sig), ErrNotJoined)
}

func TestPostMessageDedupeAndHistory(t *testing.T) {
	h := newHub(t)
	a := h.connect("s-a")
	b := h.connect("s-b")
	h.join(t, "s-a", "alice")
	h.join(t, "s-b", "bob")
	a.reset()
	b.reset()
	ctx := context.Background()

	first, err := h.PostMessage(ctx, "s-a", "m1", wire.NewMsgPush{ClientID: "tmp-1", Body: "  hi  "})
	require.NoError(t, err)
	assert.Equal(t, "hi", first.Body)
	assert.Equal(t, domain.UserID("alice"), first.SenderID)
	assert.NotEmpty(t, first.ID)

	again, err := h.PostMessage(ctx, "s-a", "m1", wire.NewMsgPush{ClientID: "tmp-1", Body: "hi"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	assert.Equal(t, []string{wire.EventNewMsg}, a.events())
	assert.Equal(t, []string{wire.EventNewMsg}, b.events())

	hist, err := h.History(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "tmp-1", hist[0].ClientID)

	_, err = h.PostMessage(ctx, "s-a", "m1", wire.NewMsgPush{ClientID: "tmp-2", Body: "   "})
	assert.ErrorIs(t, err, ErrEmptyBody)
}

func TestPostMessageRateLimited(t *testing.T) {
	h := newHub(t)
	h.connect("s-a")
	h.join(t, "s-a", "alice")
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := h.PostMessage(ctx, "s-a", "m1", wire.NewMsgPush{ClientID: string(rune('a' + i)), Body: "x"})
		require.NoError(t, err)
	}
	_, err := h.PostMessage(ctx, "s-a", "m1", wire.NewMsgPush{ClientID: "z", Body: "x"})
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestRelayStampsSender(t *testing.T) {
	h := newHub(t)
	a := h.connect("s-a")
	b := h.connect("s-b")
	h.join(t, "s-a", "alice")
	h.join(t, "s-b", "bob")
	a.reset()
	b.reset()

	err := h.Relay("s-a", "m1", wire.EventHandToggle, func(uid domain.UserID) any {
		return wire.HandToggle{UserID: uid, HandRaised: true}
	})
	require.NoError(t, err)
	env, ok := b.last(wire.EventHandToggle)
	require.True(t, ok)
	assert.Equal(t, wire.HandToggle{UserID: "alice", HandRaised: true}, decode[wire.HandToggle](t, env))
	assert.Empty(t, a.events())
}

func TestBackpressureKicks(t *testing.T) {
	h := newHub(t)
	h.connect("s-a")
	b := h.connect("s-b")
	h.join(t, "s-a", "alice")
	h.join(t, "s-b", "bob")

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()
	h.Publish("m1", "s-a", wire.EventTyping, wire.Typing{UserID: "alice", Typing: true})
	assert.True(t, h.wasCanceled("s-b"))
	assert.False(t, h.wasCanceled("s-a"))
}

func TestLenientPolicyKeepsMember(t *testing.T) {
	h := newHub(t)
	h.Policy = app.PolicyFor("drop")
	h.connect("s-a")
	b := h.connect("s-b")
	h.join(t, "s-a", "alice")
	h.join(t, "s-b", "bob")

	b.mu.Lock()
	b.full = true
	b.mu.Unlock()
	h.Publish("m1", "s-a", wire.EventTyping, wire.Typing{UserID: "alice", Typing: true})
	assert.False(t, h.wasCanceled("s-b"))
}
