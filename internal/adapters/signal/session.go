package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/auth"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleHeartbeat(c *WsSignalConn, env wire.Envelope) {
	ctl.replyOK(c, env, nil)
}

func (ctl *SignalWSController) handleJoin(
	ctx context.Context,
	sid core.SessionID,
	conn *WsSignalConn,
	id domain.MeetingID,
	env wire.Envelope,
) {
	var p wire.JoinParams
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad join payload")
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	claims, err := ctl.Tokens.Verify(p.Token)
	if err == nil && claims.UserID == "" {
		err = auth.ErrInvalidToken
	}
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join unauthorized")
		ctl.replyError(conn, env, wire.ReasonUnauthorized)
		return
	}
	name := p.Name
	if name == "" {
		name = claims.Name
	}
	user, err := domain.NewUser(domain.UserID(claims.UserID), name)
	if err != nil {
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}

	out, err := ctl.Orch.Join(sid, id, user, p.Rejoin)
	switch {
	case errors.Is(err, orch.ErrRoomFull):
		ctl.replyError(conn, env, wire.ReasonRoomFull)
		return
	case err != nil:
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("join")
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}

	ctl.replyOK(conn, env, wire.JoinResponse{Self: out.Self, Roster: out.Roster, Resumed: out.Resumed})

	history, err := ctl.Orch.History(ctx, id)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("meeting", string(id)).Msg("chat history")
	}
	ctl.push(conn, env.Topic, wire.EventChatHistory, wire.ChatHistory{Messages: history})

	ctl.Orch.AnnounceJoin(sid, out)
}

// handleLeave leaves the meeting; the socket stays open.
func (ctl *SignalWSController) handleLeave(
	sid core.SessionID,
	conn *WsSignalConn,
	id domain.MeetingID,
	env wire.Envelope,
) {
	log.Info().Str("module", "signal").Str("sid", string(sid)).Str("meeting", string(id)).Msg("leave")
	ctl.Orch.Leave(sid, id)
	ctl.replyOK(conn, env, nil)
}
