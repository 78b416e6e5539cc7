package signal

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/dkeye/Meet/internal/app/orch"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) handleSignal(sid core.SessionID, conn *WsSignalConn, id domain.MeetingID, env wire.Envelope) {
	var sig domain.Signal
	if err := json.Unmarshal(env.Payload, &sig); err != nil {
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	if _, err := sig.Decode(); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad signal")
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	if err := ctl.Orch.RouteSignal(sid, id, sig); err != nil {
		ctl.replyError(conn, env, reasonOf(err))
		return
	}
	ctl.replyOK(conn, env, nil)
}

func (ctl *SignalWSController) handleNewMsg(ctx context.Context, sid core.SessionID, conn *WsSignalConn, id domain.MeetingID, env wire.Envelope) {
	var p wire.NewMsgPush
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	msg, err := ctl.Orch.PostMessage(ctx, sid, id, p)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("new_msg rejected")
		ctl.replyError(conn, env, reasonOf(err))
		return
	}
	ctl.replyOK(conn, env, wire.NewMsgAck{ID: msg.ID, SentAt: msg.SentAt})
}

func (ctl *SignalWSController) handleTyping(sid core.SessionID, conn *WsSignalConn, id domain.MeetingID, env wire.Envelope) {
	var p wire.Typing
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	ctl.relay(sid, conn, id, env, func(uid domain.UserID) any {
		p.UserID = uid
		return p
	})
}

func (ctl *SignalWSController) handleHand(sid core.SessionID, conn *WsSignalConn, id domain.MeetingID, env wire.Envelope) {
	var p wire.HandToggle
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	ctl.relay(sid, conn, id, env, func(uid domain.UserID) any {
		p.UserID = uid
		return p
	})
}

func (ctl *SignalWSController) handleRecording(sid core.SessionID, conn *WsSignalConn, id domain.MeetingID, env wire.Envelope) {
	var p wire.RecordingToggle
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		ctl.replyError(conn, env, wire.ReasonBadPayload)
		return
	}
	ctl.relay(sid, conn, id, env, func(uid domain.UserID) any {
		p.UserID = uid
		return p
	})
}

func (ctl *SignalWSController) relay(sid core.SessionID, conn *WsSignalConn, id domain.MeetingID, env wire.Envelope, stamp func(domain.UserID) any) {
	if err := ctl.Orch.Relay(sid, id, env.Event, stamp); err != nil {
		ctl.replyError(conn, env, reasonOf(err))
		return
	}
	ctl.replyOK(conn, env, nil)
}

func reasonOf(err error) string {
	switch {
	case errors.Is(err, orch.ErrNotJoined):
		return wire.ReasonNotJoined
	case errors.Is(err, orch.ErrRateLimited):
		return wire.ReasonRateLimited
	case errors.Is(err, core.ErrNoMember), errors.Is(err, core.ErrDetached):
		return wire.ReasonNoTarget
	case errors.Is(err, orch.ErrEmptyBody):
		return wire.ReasonBadPayload
	default:
		return wire.ReasonInternal
	}
}
