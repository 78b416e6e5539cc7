// Package chat keeps the meeting chat log and typing indicators.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultTypingQuiet = 3 * time.Second

var (
	ErrEmptyBody     = errors.New("empty message")
	ErrUnknownEntry  = errors.New("unknown message")
	ErrNotResendable = errors.New("message is not failed")
)

// Pusher is the channel side the relay talks through.
type Pusher interface {
	Push(event string, payload any) *signaling.Push
}

// Entry is a chat log line plus its local delivery status.
type Entry struct {
	domain.ChatMessage
	Status domain.DeliveryStatus
	Local  bool
}

type Options struct {
	Self        domain.Participant
	TypingQuiet time.Duration
	// Post runs fn on the owner's loop.
	Post func(fn func())
	// OnUpdate observes every appended or changed entry.
	OnUpdate func(Entry)
	Now      func() time.Time
}

// Relay is not safe for concurrent use; the room loop owns it.
type Relay struct {
	opts     Options
	pusher   Pusher
	log      []Entry
	byID     map[string]int
	byClient map[string]int
	typers   map[domain.UserID]time.Time
}

func NewRelay(pusher Pusher, opts Options) *Relay {
	if opts.TypingQuiet <= 0 {
		opts.TypingQuiet = DefaultTypingQuiet
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	return &Relay{
		opts:     opts,
		pusher:   pusher,
		byID:     make(map[string]int),
		byClient: make(map[string]int),
		typers:   make(map[domain.UserID]time.Time),
	}
}

// Messages returns a copy of the log.
func (r *Relay) Messages() []Entry {
	return append([]Entry(nil), r.log...)
}

// Send appends body optimistically under a temporary id and pushes it.
func (r *Relay) Send(body string) (Entry, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return Entry{}, ErrEmptyBody
	}
	tmp := "tmp-" + uuid.NewString()
	e := Entry{
		ChatMessage: domain.ChatMessage{
			ID:         tmp,
			ClientID:   tmp,
			SenderID:   r.opts.Self.ID,
			SenderName: r.opts.Self.DisplayName,
			Body:       body,
			SentAt:     r.opts.Now(),
		},
		Status: domain.DeliveryPending,
		Local:  true,
	}
	r.log = append(r.log, e)
	idx := len(r.log) - 1
	r.byClient[tmp] = idx
	r.byID[tmp] = idx
	r.notify(idx)

	r.push(tmp, body)
	return e, nil
}

// Resend pushes a failed message again under the same client id.
func (r *Relay) Resend(clientID string) error {
	idx, ok := r.byClient[clientID]
	if !ok {
		return ErrUnknownEntry
	}
	if r.log[idx].Status != domain.DeliveryFailed {
		return ErrNotResendable
	}
	r.log[idx].Status = domain.DeliveryPending
	r.notify(idx)
	r.push(clientID, r.log[idx].Body)
	return nil
}

func (r *Relay) push(clientID, body string) {
	p := r.pusher.Push(wire.EventNewMsg, wire.NewMsgPush{ClientID: clientID, Body: body})
	go func() {
		resp, err := p.Wait(context.Background())
		r.opts.Post(func() { r.settle(clientID, resp, err) })
	}()
}

func (r *Relay) settle(clientID string, resp json.RawMessage, err error) {
	idx, ok := r.byClient[clientID]
	if !ok {
		return
	}
	e := &r.log[idx]
	if err != nil {
		if e.Status == domain.DeliveryPending {
			e.Status = domain.DeliveryFailed
			log.Warn().Str("module", "chat").Err(err).Str("outcome", signaling.OutcomeOf(err).String()).Str("client_id", clientID).Msg("message not delivered")
			r.notify(idx)
		}
		return
	}
	var ack wire.NewMsgAck
	if err := json.Unmarshal(resp, &ack); err != nil {
		log.Error().Str("module", "chat").Err(err).Msg("bad ack")
		return
	}
	r.confirm(idx, ack.ID, ack.SentAt)
}

func (r *Relay) confirm(idx int, id string, sentAt time.Time) {
	e := &r.log[idx]
	if e.Status == domain.DeliverySent && e.ID == id {
		return
	}
	if e.ID != id {
		delete(r.byID, e.ID)
		e.ID = id
		r.byID[id] = idx
	}
	if !sentAt.IsZero() {
		e.SentAt = sentAt
	}
	e.Status = domain.DeliverySent
	r.notify(idx)
}

// Receive merges a message pushed by the hub. It reports whether a new
// entry was appended.
func (r *Relay) Receive(msg domain.ChatMessage) bool {
	if msg.ClientID != "" {
		if idx, ok := r.byClient[msg.ClientID]; ok {
			r.confirm(idx, msg.ID, msg.SentAt)
			return false
		}
	}
	if _, ok := r.byID[msg.ID]; ok {
		return false
	}
	r.log = append(r.log, Entry{ChatMessage: msg, Status: domain.DeliverySent})
	idx := len(r.log) - 1
	r.byID[msg.ID] = idx
	// Clear the indicator of a sender whose message just landed.
	delete(r.typers, msg.SenderID)
	r.notify(idx)
	return true
}

// LoadHistory merges the backlog delivered on join.
func (r *Relay) LoadHistory(msgs []domain.ChatMessage) {
	for _, m := range msgs {
		r.Receive(m)
	}
}

// Typing records a remote typing indicator.
func (r *Relay) Typing(sender domain.UserID, typing bool) {
	if sender == r.opts.Self.ID {
		return
	}
	if !typing {
		delete(r.typers, sender)
		return
	}
	r.typers[sender] = r.opts.Now().Add(r.opts.TypingQuiet)
}

// Typers lists senders whose indicator has not expired.
func (r *Relay) Typers() []domain.UserID {
	now := r.opts.Now()
	out := make([]domain.UserID, 0, len(r.typers))
	for id, until := range r.typers {
		if !now.Before(until) {
			delete(r.typers, id)
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetTyping broadcasts the local indicator. Failures are only logged.
func (r *Relay) SetTyping(typing bool) {
	p := r.pusher.Push(wire.EventTyping, wire.Typing{UserID: r.opts.Self.ID, Typing: typing})
	go func() {
		if _, err := p.Wait(context.Background()); err != nil {
			log.Debug().Str("module", "chat").Err(err).Msg("typing indicator not delivered")
		}
	}()
}

// Reset clears the log and indicators.
func (r *Relay) Reset() {
	r.log = nil
	r.byID = make(map[string]int)
	r.byClient = make(map[string]int)
	r.typers = make(map[domain.UserID]time.Time)
}

func (r *Relay) notify(idx int) {
	if r.opts.OnUpdate != nil {
		r.opts.OnUpdate(r.log[idx])
	}
}
