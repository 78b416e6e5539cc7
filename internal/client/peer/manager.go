// Package peer runs the full-mesh WebRTC links of a participant.
//
// The participant that joins later always calls everyone already present;
// existing members only answer. Every method must be called from the
// owner's loop; pion callbacks re-enter through Options.Post.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultDisconnectTimeout = 5 * time.Second
	DefaultAnswerTimeout     = 15 * time.Second
)

var (
	ErrSelf   = errors.New("cannot link to self")
	ErrClosed = errors.New("peer manager closed")

	// ErrNoAnswer ends a caller link whose offer went unanswered.
	ErrNoAnswer = errors.New("offer not answered")
)

// Signaler delivers an addressed signal to the hub.
type Signaler interface {
	SendSignal(sig domain.Signal) *signaling.Push
}

type Options struct {
	Self              domain.UserID
	Factory           core.PeerConnectionFactory
	Signaler          Signaler
	Post              func(fn func())
	DisconnectTimeout time.Duration
	// AnswerTimeout bounds how long a caller link waits for the answer.
	AnswerTimeout time.Duration
	// LocalTracks returns the tracks to attach to a new link.
	LocalTracks func() []webrtc.TrackLocal
	// OnChange observes every link creation, state change and removal.
	OnChange func(LinkInfo)
	// OnRemoteTrack observes tracks arriving from a peer.
	OnRemoteTrack func(remote domain.UserID, kind webrtc.RTPCodecType)
}

type Manager struct {
	opts  Options
	links map[domain.UserID]*Link
	// early keeps candidates from peers whose offer has not arrived yet.
	early  map[domain.UserID][]webrtc.ICECandidateInit
	sinks  *Sinks
	closed bool
}

func NewManager(opts Options) *Manager {
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if opts.AnswerTimeout <= 0 {
		opts.AnswerTimeout = DefaultAnswerTimeout
	}
	if opts.LocalTracks == nil {
		opts.LocalTracks = func() []webrtc.TrackLocal { return nil }
	}
	return &Manager{
		opts:  opts,
		links: make(map[domain.UserID]*Link),
		early: make(map[domain.UserID][]webrtc.ICECandidateInit),
		sinks: NewSinks(),
	}
}

func (m *Manager) Sinks() *Sinks { return m.sinks }

// Links returns snapshots of every active link ordered by remote id.
func (m *Manager) Links() []LinkInfo {
	out := make([]LinkInfo, 0, len(m.links))
	for _, l := range m.links {
		out = append(out, l.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteID < out[j].RemoteID })
	return out
}

func (m *Manager) Link(remote domain.UserID) (LinkInfo, bool) {
	l, ok := m.links[remote]
	if !ok {
		return LinkInfo{}, false
	}
	return l.info(), true
}

func (m *Manager) Len() int { return len(m.links) }

// Call opens a link to remote as caller and sends the offer. An existing
// link to remote is kept as is.
func (m *Manager) Call(remote domain.UserID) error {
	if m.closed {
		return ErrClosed
	}
	if remote == m.opts.Self {
		return ErrSelf
	}
	if _, ok := m.links[remote]; ok {
		log.Debug().Str("module", "peer").Str("peer", string(remote)).Msg("link exists, call skipped")
		return nil
	}
	l, err := m.open(remote, RoleCaller)
	if err != nil {
		return err
	}

	offer, err := l.conn.CreateOffer()
	if err != nil {
		m.fail(l, fmt.Errorf("create offer: %w", err))
		return err
	}
	if err := l.conn.SetLocalDescription(offer); err != nil {
		m.fail(l, fmt.Errorf("set local offer: %w", err))
		return err
	}
	m.setState(l, StateHaveLocalOffer)
	m.send(l, domain.OfferBody{SessionDescription: offer}, true)
	if m.links[remote] != l {
		return nil
	}
	l.await = time.AfterFunc(m.opts.AnswerTimeout, func() {
		m.opts.Post(func() {
			if m.links[remote] == l && l.state == StateHaveLocalOffer {
				m.fail(l, ErrNoAnswer)
			}
		})
	})
	return nil
}

// HandleSignal applies a signal from the hub. Signals for other
// participants are ignored.
func (m *Manager) HandleSignal(sig domain.Signal) {
	if m.closed || !sig.AddressedTo(m.opts.Self) {
		return
	}
	body, err := sig.Decode()
	if err != nil {
		log.Warn().Str("module", "peer").Str("peer", string(sig.SenderID)).Err(err).Msg("bad signal")
		return
	}
	switch b := body.(type) {
	case domain.OfferBody:
		m.accept(sig.SenderID, b.SessionDescription)
	case domain.AnswerBody:
		m.answered(sig.SenderID, b.SessionDescription)
	case domain.CandidateBody:
		m.candidate(sig.SenderID, b.ICECandidateInit)
	}
}

func (m *Manager) accept(remote domain.UserID, offer webrtc.SessionDescription) {
	logger := log.With().Str("module", "peer").Str("peer", string(remote)).Logger()

	if l, ok := m.links[remote]; ok {
		if l.state != StateDisconnected {
			logger.Warn().Str("state", l.state.String()).Str("role", l.role.String()).Msg("offer on a negotiated link ignored")
			return
		}
		// The peer came back before the idle timer fired; start over.
		m.teardown(l, StateClosed)
	}
	l, err := m.open(remote, RoleCallee)
	if err != nil {
		return
	}
	l.pending = append(l.pending, m.early[remote]...)
	delete(m.early, remote)

	if err := l.conn.SetRemoteDescription(offer); err != nil {
		m.fail(l, fmt.Errorf("set remote offer: %w", err))
		return
	}
	m.setState(l, StateHaveRemoteOffer)
	m.flush(l)

	answer, err := l.conn.CreateAnswer()
	if err != nil {
		m.fail(l, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := l.conn.SetLocalDescription(answer); err != nil {
		m.fail(l, fmt.Errorf("set local answer: %w", err))
		return
	}
	m.setState(l, StateStable)
	m.send(l, domain.AnswerBody{SessionDescription: answer}, true)
}

func (m *Manager) answered(remote domain.UserID, answer webrtc.SessionDescription) {
	l, ok := m.links[remote]
	if !ok || l.state != StateHaveLocalOffer {
		log.Debug().Str("module", "peer").Str("peer", string(remote)).Msg("stale answer discarded")
		return
	}
	if err := l.conn.SetRemoteDescription(answer); err != nil {
		m.fail(l, fmt.Errorf("set remote answer: %w", err))
		return
	}
	l.stopAwait()
	m.setState(l, StateStable)
	m.flush(l)
}

func (m *Manager) candidate(remote domain.UserID, c webrtc.ICECandidateInit) {
	l, ok := m.links[remote]
	if !ok {
		m.early[remote] = append(m.early[remote], c)
		return
	}
	if l.conn.RemoteDescription() == nil {
		l.pending = append(l.pending, c)
		return
	}
	if err := l.conn.AddICECandidate(c); err != nil {
		log.Warn().Str("module", "peer").Str("peer", string(remote)).Err(err).Msg("add candidate")
	}
}

// flush replays queued candidates once a remote description is set.
func (m *Manager) flush(l *Link) {
	if len(l.pending) == 0 {
		return
	}
	for _, c := range l.pending {
		if err := l.conn.AddICECandidate(c); err != nil {
			log.Warn().Str("module", "peer").Str("peer", string(l.remote)).Err(err).Msg("add queued candidate")
		}
	}
	log.Debug().Str("module", "peer").Str("peer", string(l.remote)).Int("count", len(l.pending)).Msg("queued candidates applied")
	l.pending = nil
}

// open creates the connection, attaches local media and wires callbacks.
func (m *Manager) open(remote domain.UserID, role Role) (*Link, error) {
	conn, err := m.opts.Factory.NewPeerConnection()
	if err != nil {
		log.Error().Str("module", "peer").Str("peer", string(remote)).Err(err).Msg("new peer connection")
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	l := &Link{
		remote:  remote,
		role:    role,
		state:   StateNew,
		conn:    conn,
		senders: make(map[webrtc.RTPCodecType]core.Sender, 2),
	}
	m.links[remote] = l

	for _, t := range m.opts.LocalTracks() {
		if t == nil {
			continue
		}
		if _, dup := l.senders[t.Kind()]; dup {
			continue
		}
		s, err := conn.AddTrack(t)
		if err != nil {
			m.fail(l, fmt.Errorf("add %s track: %w", t.Kind(), err))
			return nil, err
		}
		l.senders[t.Kind()] = s
	}
	// Keep a sender per kind even without a track so a later source can be
	// swapped in without renegotiation.
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
		if _, ok := l.senders[kind]; ok {
			continue
		}
		s, err := conn.AddTransceiver(kind)
		if err != nil {
			m.fail(l, fmt.Errorf("add %s transceiver: %w", kind, err))
			return nil, err
		}
		l.senders[kind] = s
	}

	conn.OnICECandidate(func(c webrtc.ICECandidateInit) {
		m.opts.Post(func() {
			if m.links[remote] != l {
				return
			}
			m.send(l, domain.CandidateBody{ICECandidateInit: c}, false)
		})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		m.opts.Post(func() { m.connectionState(l, s) })
	})
	conn.OnTrack(func(track *webrtc.TrackRemote) {
		m.sinks.Start(remote, track)
		if m.opts.OnRemoteTrack != nil {
			kind := track.Kind()
			m.opts.Post(func() {
				if m.links[remote] == l {
					m.opts.OnRemoteTrack(remote, kind)
				}
			})
		}
	})

	log.Info().Str("module", "peer").Str("peer", string(remote)).Str("role", role.String()).Msg("link opened")
	m.notify(l)
	return l, nil
}

func (m *Manager) connectionState(l *Link, s webrtc.PeerConnectionState) {
	if m.links[l.remote] != l {
		return
	}
	switch s {
	case webrtc.PeerConnectionStateConnected:
		l.stopIdle()
		m.setState(l, StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		m.setState(l, StateDisconnected)
		if l.idle == nil {
			l.idle = time.AfterFunc(m.opts.DisconnectTimeout, func() {
				m.opts.Post(func() {
					if m.links[l.remote] == l && l.state == StateDisconnected {
						log.Info().Str("module", "peer").Str("peer", string(l.remote)).Msg("disconnect timeout")
						m.teardown(l, StateDisconnected)
					}
				})
			})
		}
	case webrtc.PeerConnectionStateFailed:
		m.teardown(l, StateFailed)
	case webrtc.PeerConnectionStateClosed:
		m.teardown(l, StateClosed)
	}
}

// send pushes body to the link's peer. A failed offer or answer ends the
// link; a lost candidate is only logged.
func (m *Manager) send(l *Link, body domain.SignalBody, critical bool) {
	sig, err := domain.NewSignal(m.opts.Self, l.remote, body)
	if err != nil {
		m.fail(l, err)
		return
	}
	p := m.opts.Signaler.SendSignal(sig)
	go func() {
		_, err := p.Wait(context.Background())
		if err == nil {
			return
		}
		m.opts.Post(func() {
			if m.links[l.remote] != l {
				return
			}
			if critical {
				m.fail(l, fmt.Errorf("send %s: %w", sig.Kind, err))
				return
			}
			log.Warn().Str("module", "peer").Str("peer", string(l.remote)).Err(err).Msg("candidate not delivered")
		})
	}()
}

func (m *Manager) setState(l *Link, s State) {
	if l.state == s {
		return
	}
	log.Debug().Str("module", "peer").Str("peer", string(l.remote)).Str("from", l.state.String()).Str("to", s.String()).Msg("link state")
	l.state = s
	m.notify(l)
}

func (m *Manager) fail(l *Link, err error) {
	log.Error().Str("module", "peer").Str("peer", string(l.remote)).Err(err).Msg("negotiation failed")
	m.teardown(l, StateFailed)
}

// teardown closes the connection and drops the link from the arena.
func (m *Manager) teardown(l *Link, final State) {
	if m.links[l.remote] != l {
		return
	}
	delete(m.links, l.remote)
	l.stopIdle()
	l.stopAwait()
	m.sinks.Stop(l.remote)
	if err := l.conn.Close(); err != nil {
		log.Warn().Str("module", "peer").Str("peer", string(l.remote)).Err(err).Msg("close connection")
	}
	l.pending = nil
	l.state = final
	log.Info().Str("module", "peer").Str("peer", string(l.remote)).Str("state", final.String()).Msg("link closed")
	m.notify(l)
}

// Remove destroys the link to remote, if any.
func (m *Manager) Remove(remote domain.UserID) {
	delete(m.early, remote)
	if l, ok := m.links[remote]; ok {
		m.teardown(l, StateClosed)
	}
}

// CloseAll destroys every link. The manager stays usable.
func (m *Manager) CloseAll() {
	for _, l := range m.links {
		m.teardown(l, StateClosed)
	}
	m.early = make(map[domain.UserID][]webrtc.ICECandidateInit)
}

// Close destroys every link and refuses new ones.
func (m *Manager) Close() {
	m.CloseAll()
	m.closed = true
}

// ReplaceTrack swaps the outgoing track of kind on every link.
func (m *Manager) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	var errs []error
	for id, l := range m.links {
		s, ok := l.senders[kind]
		if !ok {
			continue
		}
		if err := s.ReplaceTrack(track); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) notify(l *Link) {
	if m.opts.OnChange != nil {
		m.opts.OnChange(l.info())
	}
}
