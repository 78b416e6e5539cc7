package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ping := time.NewTicker(ctl.PingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, sid core.SessionID, c *WsSignalConn) {
	defer log.Info().Str("module", "signal").Str("sid", string(sid)).Msg("readPump closing")

	if ctl.ReadLimit > 0 {
		c.conn.SetReadLimit(ctl.ReadLimit)
	}
	// A peer that answers neither pings nor heartbeats is gone.
	deadline := 2 * ctl.PingPeriod
	_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("readPump read error")
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		ctl.dispatch(ctx, sid, c, data)
	}
}

func (ctl *SignalWSController) dispatch(ctx context.Context, sid core.SessionID, c *WsSignalConn, data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("sid", string(sid)).Msg("bad json")
		return
	}

	if env.Topic == wire.TopicSocket {
		if env.Event == wire.EventHeartbeat {
			ctl.handleHeartbeat(c, env)
			return
		}
		ctl.replyError(c, env, wire.ReasonUnknownEvent)
		return
	}

	id, err := domain.ParseTopic(env.Topic)
	if err != nil {
		ctl.replyError(c, env, wire.ReasonBadPayload)
		return
	}

	switch env.Event {
	case wire.EventJoin:
		ctl.handleJoin(ctx, sid, c, id, env)
	case wire.EventLeave:
		ctl.handleLeave(sid, c, id, env)
	case wire.EventSignal:
		ctl.handleSignal(sid, c, id, env)
	case wire.EventNewMsg:
		ctl.handleNewMsg(ctx, sid, c, id, env)
	case wire.EventTyping:
		ctl.handleTyping(sid, c, id, env)
	case wire.EventHandToggle:
		ctl.handleHand(sid, c, id, env)
	case wire.EventRecordingToggle:
		ctl.handleRecording(sid, c, id, env)
	default:
		log.Warn().Str("module", "signal").Str("event", env.Event).Msg("unknown event")
		ctl.replyError(c, env, wire.ReasonUnknownEvent)
	}
}

func (ctl *SignalWSController) reply(c *WsSignalConn, env wire.Envelope, r wire.Reply) {
	if env.Ref == "" {
		return
	}
	b, err := wire.Encode(env.Topic, wire.EventReply, env.Ref, r)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("reply marshal")
		return
	}
	_ = c.TrySend(b)
}

func (ctl *SignalWSController) replyOK(c *WsSignalConn, env wire.Envelope, v any) {
	r, err := wire.OKReply(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("reply marshal")
		return
	}
	ctl.reply(c, env, r)
}

func (ctl *SignalWSController) replyError(c *WsSignalConn, env wire.Envelope, reason string) {
	ctl.reply(c, env, wire.ErrorReply(reason))
}

func (ctl *SignalWSController) push(c *WsSignalConn, topic, event string, v any) {
	b, err := wire.Encode(topic, event, "", v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("push marshal")
		return
	}
	_ = c.TrySend(b)
}
