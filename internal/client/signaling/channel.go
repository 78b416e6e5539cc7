package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dkeye/Meet/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelJoining
	ChannelJoined
	ChannelLeaving
	ChannelLeft
)

func (s ChannelState) String() string {
	switch s {
	case ChannelJoining:
		return "joining"
	case ChannelJoined:
		return "joined"
	case ChannelLeaving:
		return "leaving"
	case ChannelLeft:
		return "left"
	}
	return "closed"
}

// Message is one inbound event delivered to channel subscribers.
// ChannelID identifies the channel instance that received it.
type Message struct {
	ChannelID string
	Topic     string
	Event     string
	Payload   json.RawMessage
}

type Handler func(Message)

// RejoinHandler observes transparent re-joins after a reconnect.
type RejoinHandler func(wire.JoinResponse, error)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Channel is one topic on a Socket.
type Channel struct {
	id     string
	topic  string
	socket *Socket
	params wire.JoinParams
	logger zerolog.Logger

	mu         sync.Mutex
	state      ChannelState
	wantJoined bool
	handlers   map[string][]handlerEntry
	nextID     uint64
	onRejoin   []RejoinHandler
}

func newChannel(s *Socket, topic string, params wire.JoinParams) *Channel {
	id := uuid.NewString()
	return &Channel{
		id:       id,
		topic:    topic,
		socket:   s,
		params:   params,
		logger:   s.logger.With().Str("topic", topic).Str("channel", id).Logger(),
		handlers: make(map[string][]handlerEntry),
	}
}

func (c *Channel) ID() string    { return c.id }
func (c *Channel) Topic() string { return c.topic }

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(st ChannelState) {
	c.mu.Lock()
	c.state = st
	c.mu.Unlock()
}

// Join waits for the transport, then joins the topic. It fails with
// ErrJoinTimeout or *JoinRejectedError.
func (c *Channel) Join(ctx context.Context) (wire.JoinResponse, error) {
	c.mu.Lock()
	switch c.state {
	case ChannelJoined, ChannelJoining:
		c.mu.Unlock()
		return wire.JoinResponse{}, ErrAlreadyJoined
	}
	c.state = ChannelJoining
	c.mu.Unlock()
	c.socket.addChannel(c)

	ctx, cancel := context.WithTimeout(ctx, c.socket.opts.JoinTimeout)
	defer cancel()

	resp, err := c.join(ctx, c.params)
	if err != nil {
		c.setState(ChannelLeft)
		c.socket.removeChannel(c)
		if errors.Is(err, ErrJoinTimeout) && c.socket.IsOpen() {
			// The hub may still seat us after the deadline.
			c.socket.push(c.topic, wire.EventLeave, struct{}{}, c.socket.opts.PushTimeout)
		}
		return wire.JoinResponse{}, err
	}

	c.mu.Lock()
	c.state = ChannelJoined
	c.wantJoined = true
	c.mu.Unlock()
	c.logger.Info().Int("roster", len(resp.Roster)).Msg("joined")
	return resp, nil
}

func (c *Channel) join(ctx context.Context, params wire.JoinParams) (wire.JoinResponse, error) {
	if err := c.socket.awaitOpen(ctx); err != nil {
		return wire.JoinResponse{}, joinError(err)
	}
	raw, err := c.socket.push(c.topic, wire.EventJoin, params, c.socket.opts.JoinTimeout).Wait(ctx)
	if err != nil {
		return wire.JoinResponse{}, joinError(err)
	}
	var resp wire.JoinResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return wire.JoinResponse{}, fmt.Errorf("decode join reply: %w", err)
	}
	return resp, nil
}

func joinError(err error) error {
	var rej *RejectedError
	if errors.As(err, &rej) {
		return &JoinRejectedError{Reason: rej.Reason}
	}
	if errors.Is(err, ErrSocketClosed) {
		return err
	}
	// No answer in time, whatever the transport did meanwhile.
	return fmt.Errorf("%w: %v", ErrJoinTimeout, err)
}

// Push sends event on this topic. It resolves immediately with
// ErrNotJoined while the channel is not joined.
func (c *Channel) Push(event string, payload any) *Push {
	if c.State() != ChannelJoined {
		return failedPush(ErrNotJoined)
	}
	return c.socket.push(c.topic, event, payload, c.socket.opts.PushTimeout)
}

// On subscribes h to event and returns its unsubscribe func.
func (c *Channel) On(event string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.handlers[event] = append(c.handlers[event], handlerEntry{id: id, fn: h})
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		entries := c.handlers[event]
		for i, e := range entries {
			if e.id == id {
				c.handlers[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Off drops every handler of event.
func (c *Channel) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.handlers, event)
}

// OnRejoin registers a hook fired after every transparent re-join attempt.
func (c *Channel) OnRejoin(fn RejoinHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRejoin = append(c.onRejoin, fn)
}

// Leave is idempotent.
func (c *Channel) Leave(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case ChannelLeft, ChannelLeaving, ChannelClosed:
		c.state = ChannelLeft
		c.wantJoined = false
		c.mu.Unlock()
		c.socket.removeChannel(c)
		return nil
	}
	c.state = ChannelLeaving
	c.wantJoined = false
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.socket.opts.PushTimeout)
	defer cancel()
	if _, err := c.socket.push(c.topic, wire.EventLeave, struct{}{}, c.socket.opts.PushTimeout).Wait(ctx); err != nil {
		c.logger.Warn().Err(err).Msg("leave not acknowledged")
	}

	c.setState(ChannelLeft)
	c.socket.removeChannel(c)
	c.logger.Info().Msg("left")
	return nil
}

// rejoin is called by the socket after the transport comes back.
func (c *Channel) rejoin() {
	c.mu.Lock()
	if !c.wantJoined {
		c.mu.Unlock()
		return
	}
	c.state = ChannelJoining
	hooks := append([]RejoinHandler{}, c.onRejoin...)
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.socket.opts.JoinTimeout)
		defer cancel()
		params := c.params
		params.Rejoin = true
		resp, err := c.join(ctx, params)

		c.mu.Lock()
		if !c.wantJoined {
			c.mu.Unlock()
			return
		}
		var rej *JoinRejectedError
		switch {
		case err == nil:
			c.state = ChannelJoined
		case errors.As(err, &rej):
			c.state = ChannelLeft
			c.wantJoined = false
		default:
			// Transport dropped again; the next open retries.
			c.state = ChannelJoining
		}
		c.mu.Unlock()

		if rej != nil {
			c.socket.removeChannel(c)
		}
		if err != nil {
			c.logger.Warn().Err(err).Msg("rejoin failed")
		} else {
			c.logger.Info().Bool("resumed", resp.Resumed).Msg("rejoined")
		}
		for _, fn := range hooks {
			fn(resp, err)
		}
	}()
}

func (c *Channel) dispatch(env wire.Envelope) {
	c.mu.Lock()
	entries := append([]handlerEntry{}, c.handlers[env.Event]...)
	c.mu.Unlock()

	msg := Message{ChannelID: c.id, Topic: env.Topic, Event: env.Event, Payload: env.Payload}
	for _, e := range entries {
		e.fn(msg)
	}
}
