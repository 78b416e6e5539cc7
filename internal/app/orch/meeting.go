package orch

import (
	"context"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/rs/zerolog/log"
)

// JoinOutcome is what the joining session is told.
type JoinOutcome struct {
	Meeting domain.MeetingID
	Self    domain.Participant
	Roster  []domain.Participant
	Resumed bool
}

// Join seats user in meeting id on session sid. Only a rejoin keeps an
// earlier membership of the same user without telling the meeting; a fresh
// join over it is announced as a departure followed by an arrival.
func (o *Orchestrator) Join(sid core.SessionID, id domain.MeetingID, user *domain.User, rejoin bool) (JoinOutcome, error) {
	conn, ok := o.Registry.Conn(sid)
	if !ok {
		return JoinOutcome{}, ErrNoSession
	}
	o.joinMu.Lock()
	defer o.joinMu.Unlock()

	m := o.Meetings.GetOrCreate(id)
	prev, had := m.SessionOf(user.ID)
	if !had && o.MaxParticipants > 0 && m.MemberCount() >= o.MaxParticipants {
		log.Warn().Str("module", "orch").Str("meeting", string(id)).Str("user", string(user.ID)).Msg("meeting full")
		return JoinOutcome{}, ErrRoomFull
	}
	o.stopGrace(graceKey{id, user.ID})

	meta := domain.NewMember(user, o.now(), o.order.Add(1))
	adm := m.AddMember(sid, core.NewMemberSession(meta, conn))
	o.Registry.Join(sid, id, user)

	out := JoinOutcome{Meeting: id, Self: adm.Participant, Resumed: had && (prev == sid || rejoin)}
	if had && prev != sid {
		o.Registry.Leave(prev, id)
		if !adm.Resumed {
			o.sendTo(prev, id.Topic(), wire.EventKicked, wire.Kicked{Reason: wire.ReasonDuplicate})
		}
		if !out.Resumed {
			// Peers drop their link to the old client before the new one
			// calls them.
			o.broadcast(m, sid, wire.EventUserLeft, wire.UserEvent{UserID: user.ID, Name: user.Username})
			log.Info().Str("module", "orch").Str("meeting", string(id)).Str("old_sid", string(prev)).Str("sid", string(sid)).Bool("was_detached", adm.Resumed).Msg("replaced session")
		}
	}

	for _, p := range m.Roster() {
		if p.ID != user.ID {
			out.Roster = append(out.Roster, p)
		}
	}
	log.Info().Str("module", "orch").Str("meeting", string(id)).Str("sid", string(sid)).Str("user", string(user.ID)).Bool("resumed", out.Resumed).Int("roster", len(out.Roster)).Msg("joined")
	return out, nil
}

// AnnounceJoin tells the meeting about a fresh member. A resumed member
// only gets the current presence.
func (o *Orchestrator) AnnounceJoin(sid core.SessionID, out JoinOutcome) {
	m, ok := o.Meetings.Get(out.Meeting)
	if !ok {
		return
	}
	if out.Resumed {
		o.sendTo(sid, out.Meeting.Topic(), wire.EventPresenceState, presenceOf(m))
		return
	}
	o.broadcast(m, "", wire.EventPresenceState, presenceOf(m))
	o.broadcast(m, sid, wire.EventUserJoined, wire.UserEvent{UserID: out.Self.ID, Name: out.Self.DisplayName})
}

// Leave is an explicit departure.
func (o *Orchestrator) Leave(sid core.SessionID, id domain.MeetingID) bool {
	user, ok := o.Registry.UserIn(sid, id)
	if !ok {
		return false
	}
	o.Registry.Leave(sid, id)
	o.stopGrace(graceKey{id, user.ID})
	return o.depart(id, user, sid)
}

// OnDisconnect detaches every membership of sid and starts the grace
// window for each.
func (o *Orchestrator) OnDisconnect(sid core.SessionID) {
	for id, user := range o.Registry.Unbind(sid) {
		m, ok := o.Meetings.Get(id)
		if !ok || !m.Detach(user.ID, sid) {
			continue
		}
		log.Info().Str("module", "orch").Str("meeting", string(id)).Str("sid", string(sid)).Str("user", string(user.ID)).Dur("grace", o.Grace).Msg("member detached")
		if o.Grace <= 0 {
			o.depart(id, user, sid)
			continue
		}
		key := graceKey{id, user.ID}
		o.startGrace(key, func() {
			o.mu.Lock()
			delete(o.graces, key)
			o.mu.Unlock()
			o.depart(id, user, sid)
		})
	}
}

func (o *Orchestrator) depart(id domain.MeetingID, user *domain.User, sid core.SessionID) bool {
	m, ok := o.Meetings.Get(id)
	if !ok || !m.RemoveMember(user.ID, sid) {
		return false
	}
	if m.MemberCount() == 0 {
		o.Meetings.StopMeeting(id)
		if o.Store != nil {
			if err := o.Store.Drop(context.Background(), id); err != nil {
				log.Warn().Err(err).Str("module", "orch").Str("meeting", string(id)).Msg("drop chat")
			}
		}
		log.Info().Str("module", "orch").Str("meeting", string(id)).Msg("meeting empty")
		return true
	}
	o.broadcast(m, "", wire.EventPresenceState, presenceOf(m))
	o.broadcast(m, "", wire.EventUserLeft, wire.UserEvent{UserID: user.ID, Name: user.Username})
	return true
}
