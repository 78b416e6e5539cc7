package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
)

// Join joins the meeting, acquires media and calls everyone already
// present. Any join failure closes the room with ErrJoinFailed.
func (r *Room) Join(ctx context.Context) (wire.JoinResponse, error) {
	var startErr error
	if err := r.do(func() {
		if r.state != StateIdle {
			startErr = fmt.Errorf("join from state %s", r.state)
			return
		}
		r.setState(StateJoining)
		r.subscribe()
	}); err != nil {
		return wire.JoinResponse{}, err
	}
	if startErr != nil {
		return wire.JoinResponse{}, startErr
	}

	resp, err := r.ch.Join(ctx)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrJoinFailed, err)
		_ = r.do(func() { r.teardown(context.Background(), err) })
		return wire.JoinResponse{}, err
	}

	if err := r.do(func() { r.joined(ctx, resp) }); err != nil {
		return wire.JoinResponse{}, err
	}
	return resp, nil
}

func (r *Room) joined(ctx context.Context, resp wire.JoinResponse) {
	if r.state != StateJoining {
		return
	}
	if resp.Self.ID != "" && resp.Self.ID != r.self.ID {
		r.logger.Warn().Str("self", string(r.self.ID)).Str("hub_self", string(resp.Self.ID)).Msg("hub reports a different identity")
	}
	if resp.Self.DisplayName != "" {
		r.self.DisplayName = resp.Self.DisplayName
	}
	r.setState(StateJoined)

	r.acquire(ctx)
	r.callAll(resp.Roster)
}

// acquire opens local media. Missing sources only disable their control.
func (r *Room) acquire(ctx context.Context) {
	if !r.opts.Constraints.Audio && !r.opts.Constraints.Video {
		return
	}
	_, err := r.media.Acquire(ctx, r.opts.Constraints)
	// Offers handled while joining opened links before any media existed.
	if r.peers.Len() > 0 {
		for _, t := range r.media.Stream().Tracks() {
			if rerr := r.peers.ReplaceTrack(t.Kind(), t); rerr != nil {
				r.logger.Warn().Err(rerr).Str("kind", t.Kind().String()).Msg("attach track to open links")
			}
		}
	}
	if err == nil {
		return
	}
	r.logger.Warn().Err(err).Msg("media acquisition incomplete")
	if errors.Is(err, media.ErrPermissionDenied) {
		r.notice("media permission denied; affected controls disabled")
	}
	if r.opts.Events.OnMediaError != nil {
		r.opts.Events.OnMediaError(err)
	}
}

// callAll opens a caller link to every roster member.
func (r *Room) callAll(roster []domain.Participant) {
	for _, p := range roster {
		if p.ID == r.self.ID {
			continue
		}
		if err := r.peers.Call(p.ID); err != nil {
			r.logger.Error().Err(err).Str("peer", string(p.ID)).Msg("call failed")
		}
	}
}

func (r *Room) subscribe() {
	on := func(event string, fn func(signaling.Message)) {
		r.unsubs = append(r.unsubs, r.ch.On(event, func(m signaling.Message) {
			r.post(func() {
				if r.state == StateJoining || r.state == StateJoined {
					fn(m)
				}
			})
		}))
	}

	on(wire.EventPresenceState, func(m signaling.Message) {
		var st wire.PresenceState
		if decode(r, m, &st) {
			r.tracker.Apply(m.ChannelID, st)
		}
	})
	on(wire.EventUserJoined, func(m signaling.Message) {
		var ev wire.UserEvent
		if decode(r, m, &ev) {
			// The newcomer calls us; nothing to open here.
			r.logger.Info().Str("peer", string(ev.UserID)).Msg("participant joined")
		}
	})
	on(wire.EventUserLeft, func(m signaling.Message) {
		var ev wire.UserEvent
		if decode(r, m, &ev) {
			r.logger.Info().Str("peer", string(ev.UserID)).Msg("participant left")
			r.peers.Remove(ev.UserID)
			r.chat.Typing(ev.UserID, false)
			delete(r.remote, ev.UserID)
		}
	})
	on(wire.EventSignal, func(m signaling.Message) {
		var sig domain.Signal
		if decode(r, m, &sig) {
			r.peers.HandleSignal(sig)
		}
	})
	on(wire.EventChatHistory, func(m signaling.Message) {
		var h wire.ChatHistory
		if decode(r, m, &h) {
			r.chat.LoadHistory(h.Messages)
		}
	})
	on(wire.EventNewMsg, func(m signaling.Message) {
		var msg domain.ChatMessage
		if decode(r, m, &msg) {
			r.chat.Receive(msg)
		}
	})
	on(wire.EventTyping, func(m signaling.Message) {
		var ev wire.Typing
		if decode(r, m, &ev) {
			r.chat.Typing(ev.UserID, ev.Typing)
		}
	})
	on(wire.EventHandToggle, func(m signaling.Message) {
		var ev wire.HandToggle
		if decode(r, m, &ev) && ev.UserID != r.self.ID {
			c := r.remote[ev.UserID]
			c.HandRaised = ev.HandRaised
			r.remoteChanged(ev.UserID, c)
		}
	})
	on(wire.EventRecordingToggle, func(m signaling.Message) {
		var ev wire.RecordingToggle
		if decode(r, m, &ev) && ev.UserID != r.self.ID {
			c := r.remote[ev.UserID]
			c.Recording = ev.Recording
			r.remoteChanged(ev.UserID, c)
		}
	})
	on(wire.EventKicked, func(m signaling.Message) {
		var ev wire.Kicked
		_ = decode(r, m, &ev)
		r.logger.Warn().Str("reason", ev.Reason).Msg("removed by hub")
		r.teardown(context.Background(), fmt.Errorf("kicked: %s", ev.Reason))
	})

	r.ch.OnRejoin(func(resp wire.JoinResponse, err error) {
		r.post(func() { r.rejoined(resp, err) })
	})
}

func decode(r *Room, m signaling.Message, v any) bool {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		r.logger.Warn().Err(err).Str("event", m.Event).Msg("bad payload")
		return false
	}
	return true
}

func (r *Room) remoteChanged(id domain.UserID, c domain.ControlState) {
	r.remote[id] = c
	if r.opts.Events.OnRemoteCtl != nil {
		r.opts.Events.OnRemoteCtl(id, c)
	}
}

// rejoined reconciles links after the channel came back on its own.
func (r *Room) rejoined(resp wire.JoinResponse, err error) {
	if r.state != StateJoined {
		return
	}
	if err != nil {
		var rej *signaling.JoinRejectedError
		if errors.As(err, &rej) {
			r.teardown(context.Background(), fmt.Errorf("%w: %w", ErrJoinFailed, err))
		}
		return
	}
	if resp.Resumed {
		// The hub kept us; only heal links that died meanwhile.
		var missing []domain.Participant
		for _, p := range resp.Roster {
			if _, ok := r.peers.Link(p.ID); !ok {
				missing = append(missing, p)
			}
		}
		r.logger.Info().Int("missing", len(missing)).Msg("session resumed")
		r.callAll(missing)
		return
	}
	r.notice("reconnected as a new session")
	r.peers.CloseAll()
	r.callAll(resp.Roster)
}

// Leave tears the room down: media, links, channel, state. It is
// idempotent.
func (r *Room) Leave(ctx context.Context) error {
	err := r.do(func() { r.teardown(ctx, nil) })
	if errors.Is(err, ErrLeft) {
		return nil
	}
	if err != nil {
		return err
	}
	<-r.done
	return nil
}

func (r *Room) teardown(ctx context.Context, cause error) {
	if r.state == StateLeaving || r.state == StateLeft {
		return
	}
	// A failed join goes straight to left.
	if r.state != StateJoining {
		r.setState(StateLeaving)
	}

	r.media.Stop()
	r.peers.Close()
	if err := r.ch.Leave(ctx); err != nil {
		r.logger.Warn().Err(err).Msg("channel leave")
	}

	for _, u := range r.unsubs {
		u()
	}
	r.unsubs = nil
	r.tracker.Detach()
	r.chat.Reset()
	r.remote = make(map[domain.UserID]domain.ControlState)
	r.controls = domain.ControlState{}
	r.closeErr = cause

	r.setState(StateLeft)
	if r.opts.Events.OnClosed != nil {
		r.opts.Events.OnClosed(cause)
	}
	r.cancel()
}
