package core

import (
	"sort"
	"sync"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/rs/zerolog/log"
)

type memberEntry struct {
	sid      SessionID
	session  MemberSession
	detached bool
}

// meetingImpl is a threadsafe in-memory meeting.
// It never closes adapter-owned resources.
type meetingImpl struct {
	meeting *domain.Meeting
	mu      sync.RWMutex
	byUser  map[domain.UserID]*memberEntry
}

func NewMeetingService(meeting *domain.Meeting) MeetingService {
	return &meetingImpl{
		meeting: meeting,
		byUser:  make(map[domain.UserID]*memberEntry),
	}
}

func (r *meetingImpl) Meeting() *domain.Meeting { return r.meeting }

func (r *meetingImpl) MemberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}

func (r *meetingImpl) AddMember(sid SessionID, ms MemberSession) Admission {
	u := ms.Meta().User.ID
	r.mu.Lock()
	defer r.mu.Unlock()

	var adm Admission
	if prev, ok := r.byUser[u]; ok {
		adm.Replaced = prev.sid
		adm.Resumed = prev.detached
		// Keep the original place in the join order.
		ms.Meta().JoinedAt = prev.session.Meta().JoinedAt
		ms.Meta().Order = prev.session.Meta().Order
	}
	r.byUser[u] = &memberEntry{sid: sid, session: ms}
	adm.Participant = ms.Meta().Participant()
	log.Info().Str("module", "core.meeting").Str("sid", string(sid)).Str("user", string(u)).Bool("resumed", adm.Resumed).Msg("member added")
	return adm
}

func (r *meetingImpl) RemoveMember(uid domain.UserID, sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[uid]
	if !ok || e.sid != sid {
		return false
	}
	delete(r.byUser, uid)
	log.Info().Str("module", "core.meeting").Str("sid", string(sid)).Str("user", string(uid)).Msg("member removed")
	return true
}

func (r *meetingImpl) Detach(uid domain.UserID, sid SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byUser[uid]
	if !ok || e.sid != sid {
		return false
	}
	e.detached = true
	return true
}

func (r *meetingImpl) IsDetached(uid domain.UserID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[uid]
	return ok && e.detached
}

func (r *meetingImpl) SessionOf(uid domain.UserID) (SessionID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byUser[uid]
	if !ok {
		return "", false
	}
	return e.sid, true
}

func (r *meetingImpl) SendTo(uid domain.UserID, data Frame) error {
	r.mu.RLock()
	e, ok := r.byUser[uid]
	r.mu.RUnlock()
	if !ok {
		return ErrNoMember
	}
	if e.detached {
		return ErrDetached
	}
	return e.session.Signal().TrySend(data)
}

func (r *meetingImpl) Broadcast(exclude SessionID, data Frame) PublishResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res := PublishResult{}
	for _, e := range r.byUser {
		if e.sid == exclude || e.detached {
			continue
		}
		if err := e.session.Signal().TrySend(data); err != nil {
			res.Dropped = append(res.Dropped, e.session)
			continue
		}
		res.SendTo++
	}
	log.Debug().Str("module", "core.meeting").Str("exclude", string(exclude)).Int("sent_to", res.SendTo).Int("dropped", len(res.Dropped)).Msg("broadcast result")
	return res
}

// Roster lists members by join order.
func (r *meetingImpl) Roster() []domain.Participant {
	r.mu.RLock()
	out := make([]domain.Participant, 0, len(r.byUser))
	for _, e := range r.byUser {
		out = append(out, e.session.Meta().Participant())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}
