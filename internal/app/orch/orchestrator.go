package orch

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/app"
	"github.com/dkeye/Meet/internal/app/store"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoSession   = errors.New("no such session")
	ErrNotJoined   = errors.New("not joined")
	ErrRoomFull    = errors.New("meeting is full")
	ErrRateLimited = errors.New("rate limited")
	ErrEmptyBody   = errors.New("empty message")
)

type graceKey struct {
	meeting domain.MeetingID
	user    domain.UserID
}

// Orchestrator ties sessions to meetings and fans frames out.
// Zero values of the optional fields disable the matching feature.
type Orchestrator struct {
	Registry *app.Registry
	Meetings core.MeetingManager
	Policy   app.Policy
	Store    store.ChatStore
	Limiter  *app.RateLimiter

	// Grace keeps a dropped member in the roster until it expires.
	Grace           time.Duration
	MaxParticipants int
	HistoryLimit    int
	Now             func() time.Time

	order  atomic.Int64
	joinMu sync.Mutex
	mu     sync.Mutex
	graces map[graceKey]*time.Timer
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// Member returns the user sid joined id as.
func (o *Orchestrator) Member(sid core.SessionID, id domain.MeetingID) (*domain.User, core.MeetingService, error) {
	user, ok := o.Registry.UserIn(sid, id)
	if !ok {
		return nil, nil, ErrNotJoined
	}
	m, ok := o.Meetings.Get(id)
	if !ok {
		return nil, nil, ErrNotJoined
	}
	return user, m, nil
}

// Publish sends event to everyone in id except exclude.
func (o *Orchestrator) Publish(id domain.MeetingID, exclude core.SessionID, event string, v any) {
	m, ok := o.Meetings.Get(id)
	if !ok {
		return
	}
	o.broadcast(m, exclude, event, v)
}

func (o *Orchestrator) broadcast(m core.MeetingService, exclude core.SessionID, event string, v any) {
	frame, err := wire.Encode(m.Meeting().ID.Topic(), event, "", v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode broadcast")
		return
	}
	res := m.Broadcast(exclude, frame)
	if o.Policy == nil {
		return
	}
	for _, slow := range res.Dropped {
		switch o.Policy.OnBackPressure(m, slow) {
		case app.KickMember:
			if sid, ok := m.SessionOf(slow.Meta().User.ID); ok {
				o.KickBySID(sid)
			}
		case app.MarkSlow, app.DropFrame, app.NoAction:
		}
	}
}

// KickBySID drops the socket; membership then follows the disconnect path.
func (o *Orchestrator) KickBySID(sid core.SessionID) {
	log.Warn().Str("module", "orch").Str("sid", string(sid)).Msg("kick session")
	o.Registry.Cancel(sid)
}

func (o *Orchestrator) sendTo(sid core.SessionID, topic, event string, v any) {
	conn, ok := o.Registry.Conn(sid)
	if !ok {
		return
	}
	frame, err := wire.Encode(topic, event, "", v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("event", event).Msg("encode frame")
		return
	}
	if err := conn.TrySend(frame); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sid)).Str("event", event).Msg("send dropped")
	}
}

func presenceOf(m core.MeetingService) wire.PresenceState {
	state := make(wire.PresenceState)
	for _, p := range m.Roster() {
		state[p.ID] = wire.PresenceMeta{Name: p.DisplayName, JoinedAt: p.JoinedAt, Order: p.Order}
	}
	return state
}

func (o *Orchestrator) startGrace(key graceKey, fn func()) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.graces == nil {
		o.graces = make(map[graceKey]*time.Timer)
	}
	if t, ok := o.graces[key]; ok {
		t.Stop()
	}
	o.graces[key] = time.AfterFunc(o.Grace, fn)
}

func (o *Orchestrator) stopGrace(key graceKey) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if t, ok := o.graces[key]; ok {
		t.Stop()
		delete(o.graces, key)
	}
}

// Shutdown stops every pending grace timer.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for k, t := range o.graces {
		t.Stop()
		delete(o.graces, k)
	}
	log.Info().Str("module", "orch").Msg("shutdown")
}
