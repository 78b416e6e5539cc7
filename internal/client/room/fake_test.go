package room

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/wire"
	"github.com/pion/webrtc/v4"
)

// journal records teardown order across fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

type pushed struct {
	event   string
	payload any
}

type fakeChannel struct {
	mu       sync.Mutex
	j        *journal
	state    signaling.ChannelState
	joinResp wire.JoinResponse
	joinErr  error
	pushErr  error
	pushes   []pushed
	handlers map[string][]signaling.Handler
	rejoin   []signaling.RejoinHandler
	leaves   int

	duringJoin func()
}

func newFakeChannel(j *journal) *fakeChannel {
	return &fakeChannel{j: j, handlers: make(map[string][]signaling.Handler)}
}

func (c *fakeChannel) ID() string { return "ch-1" }

func (c *fakeChannel) State() signaling.ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeChannel) Join(ctx context.Context) (wire.JoinResponse, error) {
	// duringJoin models inbound traffic that beats the join reply.
	if c.duringJoin != nil {
		c.duringJoin()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.joinErr != nil {
		c.state = signaling.ChannelLeft
		return wire.JoinResponse{}, c.joinErr
	}
	c.state = signaling.ChannelJoined
	return c.joinResp, nil
}

func (c *fakeChannel) Push(event string, payload any) *signaling.Push {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, pushed{event, payload})
	if c.pushErr != nil {
		return signaling.Completed(nil, c.pushErr)
	}
	if event == wire.EventNewMsg {
		raw, _ := json.Marshal(wire.NewMsgAck{ID: "srv-1"})
		return signaling.Completed(raw, nil)
	}
	return signaling.Completed(nil, nil)
}

func (c *fakeChannel) On(event string, h signaling.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
	idx := len(c.handlers[event]) - 1
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.handlers[event][idx] = nil
	}
}

func (c *fakeChannel) OnRejoin(fn signaling.RejoinHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejoin = append(c.rejoin, fn)
}

func (c *fakeChannel) Leave(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leaves++
	c.state = signaling.ChannelLeft
	c.j.add("channel")
	return nil
}

func (c *fakeChannel) setPushErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushErr = err
}

// emit delivers an inbound event as the socket would.
func (c *fakeChannel) emit(channelID, event string, v any) {
	raw, _ := json.Marshal(v)
	c.mu.Lock()
	hs := append([]signaling.Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range hs {
		if h != nil {
			h(signaling.Message{ChannelID: channelID, Event: event, Payload: raw})
		}
	}
}

func (c *fakeChannel) fireRejoin(resp wire.JoinResponse, err error) {
	c.mu.Lock()
	hs := append([]signaling.RejoinHandler(nil), c.rejoin...)
	c.mu.Unlock()
	for _, h := range hs {
		h(resp, err)
	}
}

func (c *fakeChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.pushes))
	for _, p := range c.pushes {
		out = append(out, p.event)
	}
	return out
}

func (c *fakeChannel) count(event string) int {
	n := 0
	for _, e := range c.events() {
		if e == event {
			n++
		}
	}
	return n
}

type fakeCapture struct {
	kind    media.Kind
	track   webrtc.TrackLocal
	enabled bool
	ended   chan struct{}
	once    sync.Once
	j       *journal
}

func (f *fakeCapture) Kind() media.Kind         { return f.kind }
func (f *fakeCapture) Track() webrtc.TrackLocal { return f.track }
func (f *fakeCapture) SetEnabled(e bool)        { f.enabled = e }
func (f *fakeCapture) Enabled() bool            { return f.enabled }
func (f *fakeCapture) Ended() <-chan struct{}   { return f.ended }

func (f *fakeCapture) Stop() {
	f.once.Do(func() {
		f.j.add("media")
		close(f.ended)
	})
}

type fakeDevice struct {
	j      *journal
	deny   map[media.Kind]error
	opened []*fakeCapture
}

func (d *fakeDevice) Open(_ context.Context, kind media.Kind) (media.Capture, error) {
	if err := d.deny[kind]; err != nil {
		return nil, err
	}
	mime := webrtc.MimeTypeVP8
	if kind == media.KindMicrophone {
		mime = webrtc.MimeTypeOpus
	}
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "me")
	if err != nil {
		return nil, err
	}
	c := &fakeCapture{kind: kind, track: tr, enabled: true, ended: make(chan struct{}), j: d.j}
	d.opened = append(d.opened, c)
	return c, nil
}

type fakeSender struct{ track webrtc.TrackLocal }

func (s *fakeSender) ReplaceTrack(t webrtc.TrackLocal) error { s.track = t; return nil }
func (s *fakeSender) Track() webrtc.TrackLocal               { return s.track }

type fakeConn struct {
	j       *journal
	mu      sync.Mutex
	remote  *webrtc.SessionDescription
	closed  bool
	offers  int
	senders map[webrtc.RTPCodecType]*fakeSender
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) AddTrack(t webrtc.TrackLocal) (core.Sender, error) {
	s := &fakeSender{track: t}
	c.senders[t.Kind()] = s
	return s, nil
}

func (c *fakeConn) AddTransceiver(kind webrtc.RTPCodecType) (core.Sender, error) {
	s := &fakeSender{}
	c.senders[kind] = s
	return s, nil
}

func (c *fakeConn) CreateOffer() (webrtc.SessionDescription, error) {
	c.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "o"}, nil
}

func (c *fakeConn) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "a"}, nil
}

func (c *fakeConn) SetLocalDescription(webrtc.SessionDescription) error { return nil }

func (c *fakeConn) SetRemoteDescription(d webrtc.SessionDescription) error {
	c.remote = &d
	return nil
}

func (c *fakeConn) RemoteDescription() *webrtc.SessionDescription { return c.remote }
func (c *fakeConn) SignalingState() webrtc.SignalingState        { return webrtc.SignalingStateStable }
func (c *fakeConn) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (c *fakeConn) OnICECandidate(func(webrtc.ICECandidateInit))  {}
func (c *fakeConn) OnTrack(func(*webrtc.TrackRemote))             {}

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.j.add("link")
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeFactory struct {
	j     *journal
	mu    sync.Mutex
	conns []*fakeConn
}

func (f *fakeFactory) NewPeerConnection() (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &fakeConn{j: f.j, senders: make(map[webrtc.RTPCodecType]*fakeSender)}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeFactory) all() []*fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeConn(nil), f.conns...)
}
