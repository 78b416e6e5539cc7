package orch

import (
	"context"
	"fmt"
	"strings"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/idgen"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/rs/zerolog/log"
)

// RouteSignal forwards sig to its target only. The sender id is the
// hub's view of who sent it.
func (o *Orchestrator) RouteSignal(sid core.SessionID, id domain.MeetingID, sig domain.Signal) error {
	user, m, err := o.Member(sid, id)
	if err != nil {
		return err
	}
	sig.SenderID = user.ID
	frame, err := wire.Encode(id.Topic(), wire.EventSignal, "", sig)
	if err != nil {
		return err
	}
	if err := m.SendTo(sig.TargetID, frame); err != nil {
		log.Debug().Err(err).Str("module", "orch").Str("from", string(user.ID)).Str("to", string(sig.TargetID)).Str("kind", string(sig.Kind)).Msg("signal not routed")
		return fmt.Errorf("route to %s: %w", sig.TargetID, err)
	}
	return nil
}

// PostMessage stores and fans out a chat message. A resend with a known
// client id returns the stored copy without a second broadcast.
func (o *Orchestrator) PostMessage(ctx context.Context, sid core.SessionID, id domain.MeetingID, p wire.NewMsgPush) (domain.ChatMessage, error) {
	user, m, err := o.Member(sid, id)
	if err != nil {
		return domain.ChatMessage{}, err
	}
	body := strings.TrimSpace(p.Body)
	if body == "" {
		return domain.ChatMessage{}, ErrEmptyBody
	}
	if o.Limiter != nil && !o.Limiter.Allow(user.ID) {
		return domain.ChatMessage{}, ErrRateLimited
	}
	now := o.now()
	msg := domain.ChatMessage{
		ID:         idgen.NewULID(now),
		ClientID:   p.ClientID,
		SenderID:   user.ID,
		SenderName: user.Username,
		Body:       body,
		SentAt:     now,
	}
	stored, dup, err := o.Store.Append(ctx, id, msg)
	if err != nil {
		return domain.ChatMessage{}, fmt.Errorf("store message: %w", err)
	}
	if dup {
		log.Info().Str("module", "orch").Str("meeting", string(id)).Str("client_id", p.ClientID).Msg("duplicate message")
		return stored, nil
	}
	o.broadcast(m, "", wire.EventNewMsg, stored)
	return stored, nil
}

func (o *Orchestrator) History(ctx context.Context, id domain.MeetingID) ([]domain.ChatMessage, error) {
	return o.Store.History(ctx, id, o.HistoryLimit)
}

// Relay fans a control event out to everyone but the sender. stamp sets
// the sender id on the payload.
func (o *Orchestrator) Relay(sid core.SessionID, id domain.MeetingID, event string, stamp func(domain.UserID) any) error {
	user, m, err := o.Member(sid, id)
	if err != nil {
		return err
	}
	o.broadcast(m, sid, event, stamp(user.ID))
	return nil
}
