package peer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
)

type fakeSender struct {
	kind     webrtc.RTPCodecType
	track    webrtc.TrackLocal
	replaced int
}

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.track = t
	s.replaced++
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal { return s.track }

type fakeConn struct {
	mu sync.Mutex

	name    string
	senders []*fakeSender
	local   *webrtc.SessionDescription
	remote  *webrtc.SessionDescription
	applied []webrtc.ICECandidateInit
	closed  bool
	offers  int
	remotes int

	failRemote error

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
	onTrack     func(*webrtc.TrackRemote)
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	s := &fakeSender{kind: t.Kind(), track: t}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) AddTransceiver(kind webrtc.RTPCodecType) (core.Sender, error) {
	s := &fakeSender{kind: kind}
	c.senders = append(c.senders, s)
	return s, nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer:" + c.name}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + c.name}, nil
}

func (c *fakeConn) SetLocalDescription(d webrtc.SessionDescription) error {
	c.local = &d
	return nil
}

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	if c.failRemote != nil {
		return c.failRemote
	}
	c.remote = &d
	c.remotes++
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription { return c.remote }

func (c *fakeConn) SignalingState() webrtc.SignalingState {
	switch {
	case c.local == nil && c.remote == nil:
		return webrtc.SignalingStateStable
	case c.remote == nil:
		return webrtc.SignalingStateHaveLocalOffer
	}
	return webrtc.SignalingStateStable
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.applied = append(c.applied, ci)
	return nil
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit))           { c.onCandidate = fn }
func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }
func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote))                      { c.onTrack = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) sender(kind webrtc.RTPCodecType) *fakeSender {
	for _, s := range c.senders {
		if s.kind == kind {
			return s
		}
	}
	return nil
}

type fakeFactory struct {
	name  string
	conns []*fakeConn
	err   error
}

func (f *fakeFactory) NewPeerConnection() (core.PeerConnection, error) {
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{name: f.name}
	f.conns = append(f.conns, c)
	return c, nil
}

// bus collects signals so a test can deliver them in order.
type bus struct {
	queue []domain.Signal
	fail  error
}

func (b *bus) SendSignal(sig domain.Signal) *signaling.Push {
	if b.fail != nil {
		return signaling.Completed(nil, b.fail)
	}
	b.queue = append(b.queue, sig)
	return signaling.Completed(nil, nil)
}

func (b *bus) kinds() []domain.SignalKind {
	out := make([]domain.SignalKind, 0, len(b.queue))
	for _, s := range b.queue {
		out = append(out, s.Kind)
	}
	return out
}

type loop chan func()

func (l loop) post(fn func()) { l <- fn }

func (l loop) drain(t *testing.T) {
	t.Helper()
	select {
	case fn := <-l:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("nothing posted")
	}
}

type node struct {
	id  domain.UserID
	mgr *Manager
	fac *fakeFactory
	bus *bus
	l   loop
}

func newNode(id domain.UserID, tracks ...webrtc.TrackLocal) *node {
	n := &node{id: id, fac: &fakeFactory{name: string(id)}, bus: &bus{}, l: make(loop, 16)}
	n.mgr = NewManager(Options{
		Self:              id,
		Factory:           n.fac,
		Signaler:          n.bus,
		Post:              n.l.post,
		DisconnectTimeout: 30 * time.Millisecond,
		LocalTracks:       func() []webrtc.TrackLocal { return tracks },
	})
	return n
}

// deliver routes queued signals between nodes until every queue is empty.
func deliver(nodes ...*node) {
	byID := make(map[domain.UserID]*node, len(nodes))
	for _, n := range nodes {
		byID[n.id] = n
	}
	for {
		moved := false
		for _, n := range nodes {
			q := n.bus.queue
			n.bus.queue = nil
			for _, sig := range q {
				if dst, ok := byID[sig.TargetID]; ok {
					dst.mgr.HandleSignal(sig)
					moved = true
				}
			}
		}
		if !moved {
			return
		}
	}
}

func mustTrack(t *testing.T, kind webrtc.RTPCodecType) webrtc.TrackLocal {
	t.Helper()
	mime := webrtc.MimeTypeVP8
	if kind == webrtc.RTPCodecTypeAudio {
		mime = webrtc.MimeTypeOpus
	}
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "s")
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

var errBoom = errors.New("boom")
