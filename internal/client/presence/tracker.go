// Package presence turns full-state presence snapshots into an ordered,
// de-duplicated roster.
package presence

import (
	"sort"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/rs/zerolog/log"
)

// Tracker is not safe for concurrent use; the room loop owns it.
type Tracker struct {
	channelID string
	list      []domain.Participant
	onChange  func([]domain.Participant)
}

func NewTracker(onChange func([]domain.Participant)) *Tracker {
	return &Tracker{onChange: onChange}
}

// Attach binds the tracker to a channel instance. Snapshots from any
// other instance are dropped from now on.
func (t *Tracker) Attach(channelID string) {
	t.channelID = channelID
	t.list = nil
}

// Detach clears state; every later snapshot is dropped.
func (t *Tracker) Detach() {
	t.channelID = ""
	t.list = nil
}

// Participants returns the last emitted list.
func (t *Tracker) Participants() []domain.Participant {
	return append([]domain.Participant(nil), t.list...)
}

func (t *Tracker) Has(id domain.UserID) bool {
	for _, p := range t.list {
		if p.ID == id {
			return true
		}
	}
	return false
}

// Apply recomputes the roster from a full snapshot and emits it.
// It reports false when the snapshot came from a stale channel.
func (t *Tracker) Apply(channelID string, state wire.PresenceState) bool {
	if channelID == "" || channelID != t.channelID {
		log.Debug().Str("module", "presence").Str("channel", channelID).Msg("stale snapshot dropped")
		return false
	}

	next := Order(state)
	joined, left := diff(t.list, next)
	t.list = next
	if len(joined) > 0 || len(left) > 0 {
		log.Info().Str("module", "presence").Strs("joined", joined).Strs("left", left).Int("count", len(next)).Msg("presence changed")
	}
	if t.onChange != nil {
		t.onChange(t.Participants())
	}
	return true
}

// Order builds the roster: by join-order hint when every entry has one,
// otherwise by id.
func Order(state wire.PresenceState) []domain.Participant {
	out := make([]domain.Participant, 0, len(state))
	hinted := len(state) > 0
	for id, meta := range state {
		out = append(out, domain.Participant{
			ID:          id,
			DisplayName: meta.Name,
			JoinedAt:    meta.JoinedAt,
			Order:       meta.Order,
		})
		if meta.Order <= 0 {
			hinted = false
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if hinted && out[i].Order != out[j].Order {
			return out[i].Order < out[j].Order
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func diff(prev, next []domain.Participant) (joined, left []string) {
	before := make(map[domain.UserID]struct{}, len(prev))
	for _, p := range prev {
		before[p.ID] = struct{}{}
	}
	for _, p := range next {
		if _, ok := before[p.ID]; ok {
			delete(before, p.ID)
			continue
		}
		joined = append(joined, string(p.ID))
	}
	for id := range before {
		left = append(left, string(id))
	}
	sort.Strings(left)
	return joined, left
}
