// Package room sequences a participant's meeting session: join, media,
// mesh links, presence, chat and controls, then teardown.
//
// Every piece of session state is owned by one loop goroutine. Channel
// handlers, pion callbacks and public methods reach it by posting closures.
package room

import (
	"context"
	"errors"
	"time"

	"github.com/dkeye/Meet/internal/client/chat"
	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/peer"
	"github.com/dkeye/Meet/internal/client/presence"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateLeft:
		return "left"
	}
	return "idle"
}

var (
	// ErrJoinFailed wraps join timeouts and rejections. The session is
	// over; the caller should return the user somewhere safe.
	ErrJoinFailed = errors.New("join failed")
	ErrNotJoined  = errors.New("room not joined")
	ErrLeft       = errors.New("room left")
)

// Channel is the part of signaling.Channel the room drives.
type Channel interface {
	ID() string
	State() signaling.ChannelState
	Join(ctx context.Context) (wire.JoinResponse, error)
	Push(event string, payload any) *signaling.Push
	On(event string, h signaling.Handler) func()
	OnRejoin(fn signaling.RejoinHandler)
	Leave(ctx context.Context) error
}

// Events are observation hooks, all called on the room loop.
type Events struct {
	OnState      func(State)
	OnRoster     func([]domain.Participant)
	OnChat       func(chat.Entry)
	OnLink       func(peer.LinkInfo)
	OnRemoteCtl  func(domain.UserID, domain.ControlState)
	OnMediaError func(error)
	// OnNotice carries transient user-facing notifications.
	OnNotice func(string)
	// OnClosed fires once after teardown; err is nil for a plain leave.
	OnClosed func(error)
}

type Options struct {
	Self        domain.UserID
	Name        string
	Channel     Channel
	Device      media.Device
	Factory     core.PeerConnectionFactory
	Constraints media.Constraints

	DisconnectTimeout time.Duration
	AnswerTimeout     time.Duration
	TypingQuiet       time.Duration
	Events            Events
}

type Room struct {
	opts   Options
	ch     Channel
	logger zerolog.Logger

	events chan func()
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// Loop-owned.
	state    State
	self     domain.Participant
	controls domain.ControlState
	remote   map[domain.UserID]domain.ControlState
	tracker  *presence.Tracker
	chat     *chat.Relay
	media    *media.Controller
	peers    *peer.Manager
	unsubs   []func()
	closeErr error
}

// New wires the components and starts the room loop. Join must follow.
func New(opts Options) *Room {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		opts:   opts,
		ch:     opts.Channel,
		logger: log.With().Str("module", "room").Str("channel", opts.Channel.ID()).Logger(),
		events: make(chan func(), 256),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		self:   domain.Participant{ID: opts.Self, DisplayName: opts.Name},
		remote: make(map[domain.UserID]domain.ControlState),
	}

	r.tracker = presence.NewTracker(r.rosterChanged)
	r.tracker.Attach(opts.Channel.ID())
	r.chat = chat.NewRelay(opts.Channel, chat.Options{
		Self:        r.self,
		TypingQuiet: opts.TypingQuiet,
		Post:        r.post,
		OnUpdate:    opts.Events.OnChat,
	})
	r.media = media.NewController(opts.Device, media.Options{
		Post:     r.post,
		OnChange: r.mediaChanged,
	})
	r.peers = peer.NewManager(peer.Options{
		Self:              opts.Self,
		Factory:           opts.Factory,
		Signaler:          signalSender{opts.Channel},
		Post:              r.post,
		DisconnectTimeout: opts.DisconnectTimeout,
		AnswerTimeout:     opts.AnswerTimeout,
		LocalTracks:       func() []webrtc.TrackLocal { return r.media.Stream().Tracks() },
		OnChange:          opts.Events.OnLink,
		OnRemoteTrack: func(remote domain.UserID, kind webrtc.RTPCodecType) {
			r.logger.Info().Str("peer", string(remote)).Str("kind", kind.String()).Msg("receiving remote media")
		},
	})
	r.media.SetReplacer(r.peers)

	go r.loop()
	return r
}

func (r *Room) loop() {
	defer close(r.done)
	for {
		select {
		case <-r.ctx.Done():
			return
		case fn := <-r.events:
			fn()
		}
	}
}

// post queues fn on the loop. It drops fn once the room is closed.
func (r *Room) post(fn func()) {
	select {
	case r.events <- fn:
	case <-r.ctx.Done():
	}
}

// do runs fn on the loop and waits for it.
func (r *Room) do(fn func()) error {
	finished := make(chan struct{})
	select {
	case r.events <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrLeft
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrLeft
		}
	}
}

// Done is closed when the room loop has stopped.
func (r *Room) Done() <-chan struct{} { return r.done }

// Err reports why the room closed, once Done is closed.
func (r *Room) Err() error {
	<-r.done
	return r.closeErr
}

func (r *Room) setState(s State) {
	if r.state == s {
		return
	}
	r.logger.Info().Str("from", r.state.String()).Str("to", s.String()).Msg("room state")
	r.state = s
	if r.opts.Events.OnState != nil {
		r.opts.Events.OnState(s)
	}
}

func (r *Room) rosterChanged(list []domain.Participant) {
	if r.opts.Events.OnRoster != nil {
		r.opts.Events.OnRoster(list)
	}
}

func (r *Room) mediaChanged(st domain.LocalMediaState) {
	r.controls.Mic = st.AudioEnabled
	r.controls.Video = st.VideoEnabled
	r.controls.ScreenShare = st.ActiveVideoSource == domain.VideoScreen
}

func (r *Room) notice(msg string) {
	r.logger.Info().Msg(msg)
	if r.opts.Events.OnNotice != nil {
		r.opts.Events.OnNotice(msg)
	}
}

type signalSender struct{ ch Channel }

func (s signalSender) SendSignal(sig domain.Signal) *signaling.Push {
	return s.ch.Push(wire.EventSignal, sig)
}

// Snapshot is a consistent view of the room.
type Snapshot struct {
	State        State
	Self         domain.Participant
	Participants []domain.Participant
	Links        []peer.LinkInfo
	Controls     domain.ControlState
	Media        domain.LocalMediaState
	LiveTracks   int
	Chat         []chat.Entry
	Typing       []domain.UserID
	Remote       map[domain.UserID]domain.ControlState
	Channel      signaling.ChannelState
}

func (r *Room) Snapshot() Snapshot {
	var s Snapshot
	if err := r.do(func() { s = r.snapshot() }); err != nil {
		// The loop is gone; nothing else touches the state now.
		return r.snapshot()
	}
	return s
}

func (r *Room) snapshot() Snapshot {
	remote := make(map[domain.UserID]domain.ControlState, len(r.remote))
	for id, c := range r.remote {
		remote[id] = c
	}
	return Snapshot{
		State:        r.state,
		Self:         r.self,
		Participants: r.tracker.Participants(),
		Links:        r.peers.Links(),
		Controls:     r.controls,
		Media:        r.media.State(),
		LiveTracks:   r.media.LiveTracks(),
		Chat:         r.chat.Messages(),
		Typing:       r.chat.Typers(),
		Remote:       remote,
		Channel:      r.ch.State(),
	}
}

// Stats returns receive counters for remote's tracks.
func (r *Room) Stats(remote domain.UserID) []peer.TrackStats {
	return r.peers.Sinks().Stats(remote)
}
