package signaling

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/wire"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"
)

var DefaultBackoff = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second}

type Options struct {
	Heartbeat   time.Duration
	Backoff     []time.Duration
	PushTimeout time.Duration
	JoinTimeout time.Duration
	SendBuffer  int
	Dialer      *websocket.Dialer
}

func (o Options) withDefaults() Options {
	if o.Heartbeat <= 0 {
		o.Heartbeat = 30 * time.Second
	}
	if len(o.Backoff) == 0 {
		o.Backoff = DefaultBackoff
	}
	if o.PushTimeout <= 0 {
		o.PushTimeout = 10 * time.Second
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = 10 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	return o
}

// Socket is one physical connection to the hub. It reconnects on its own
// and re-joins every channel that was joined before the drop.
type Socket struct {
	id       string
	endpoint string
	opts     Options
	logger   zerolog.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	openCh   chan struct{}
	pending  map[string]*Push
	channels map[string]*Channel
	onOpen   []func()
	onClose  []func()
	started  bool
	closed   bool
	cancel   context.CancelFunc

	ref atomic.Uint64
	wg  conc.WaitGroup
}

func NewSocket(endpoint string, opts Options) *Socket {
	id := uuid.NewString()
	return &Socket{
		id:       id,
		endpoint: endpoint,
		opts:     opts.withDefaults(),
		logger:   log.With().Str("module", "signaling").Str("socket", id).Logger(),
		openCh:   make(chan struct{}),
		pending:  make(map[string]*Push),
		channels: make(map[string]*Channel),
	}
}

func (s *Socket) ID() string       { return s.id }
func (s *Socket) Endpoint() string { return s.endpoint }

// OnOpen registers a hook fired each time the transport comes up.
func (s *Socket) OnOpen(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOpen = append(s.onOpen, fn)
}

// OnClose registers a hook fired each time the transport drops.
func (s *Socket) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Connect starts the connection loop. It is a no-op after the first call.
func (s *Socket) Connect(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Go(func() { s.run(ctx) })
}

// Close stops reconnecting and drops the transport.
func (s *Socket) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	cancel := s.cancel
	conn := s.conn
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("socket closed")
}

// IsOpen reports whether the transport is currently up.
func (s *Socket) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// awaitOpen blocks until the transport is up.
func (s *Socket) awaitOpen(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return ErrSocketClosed
		}
		if s.conn != nil {
			s.mu.Unlock()
			return nil
		}
		ch := s.openCh
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Socket) backoff(attempt int) time.Duration {
	if attempt >= len(s.opts.Backoff) {
		return s.opts.Backoff[len(s.opts.Backoff)-1]
	}
	return s.opts.Backoff[attempt]
}

func (s *Socket) run(ctx context.Context) {
	attempt := 0
	for {
		conn, _, err := s.opts.Dialer.DialContext(ctx, s.endpoint, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("dial failed")
		} else {
			attempt = 0
			s.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
		}

		wait := s.backoff(attempt)
		attempt++
		s.logger.Info().Dur("in", wait).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	send := make(chan []byte, s.opts.SendBuffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.send = send
	close(s.openCh)
	hooks := append([]func(){}, s.onOpen...)
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", s.endpoint).Msg("socket open")

	var pumps conc.WaitGroup
	pumps.Go(func() {
		defer conn.Close()
		s.writePump(connCtx, conn, send)
	})
	pumps.Go(func() {
		defer conn.Close()
		s.heartbeatLoop(connCtx)
	})

	for _, fn := range hooks {
		fn()
	}
	for _, ch := range channels {
		ch.rejoin()
	}

	s.readPump(conn)
	cancel()
	_ = conn.Close()
	pumps.Wait()

	s.mu.Lock()
	s.conn = nil
	s.send = nil
	s.openCh = make(chan struct{})
	pending := s.pending
	s.pending = make(map[string]*Push)
	hooks = append([]func(){}, s.onClose...)
	s.mu.Unlock()

	for _, p := range pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.resolve(nil, ErrDisconnected)
	}
	s.logger.Warn().Int("failed_pushes", len(pending)).Msg("socket closed by transport")
	for _, fn := range hooks {
		fn()
	}
}

func (s *Socket) writePump(ctx context.Context, conn *websocket.Conn, send <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				s.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Socket) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Error().Err(err).Msg("readPump read error")
			}
			return
		}
		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Error().Err(err).Msg("bad json")
			continue
		}
		s.route(env)
	}
}

func (s *Socket) route(env wire.Envelope) {
	if env.Event == wire.EventReply {
		s.resolveReply(env)
		return
	}
	s.mu.Lock()
	ch, ok := s.channels[env.Topic]
	s.mu.Unlock()
	if !ok {
		s.logger.Debug().Str("topic", env.Topic).Str("event", env.Event).Msg("no channel for topic")
		return
	}
	ch.dispatch(env)
}

func (s *Socket) resolveReply(env wire.Envelope) {
	s.mu.Lock()
	p, ok := s.pending[env.Ref]
	delete(s.pending, env.Ref)
	s.mu.Unlock()
	if !ok {
		return
	}
	if p.timer != nil {
		p.timer.Stop()
	}

	var r wire.Reply
	if err := json.Unmarshal(env.Payload, &r); err != nil {
		p.resolve(nil, err)
		return
	}
	if r.Status != wire.StatusOK {
		p.resolve(nil, &RejectedError{Reason: r.Reason})
		return
	}
	p.resolve(r.Response, nil)
}

func (s *Socket) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := s.push(wire.TopicSocket, wire.EventHeartbeat, struct{}{}, s.opts.PushTimeout)
			if _, err := p.Wait(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed, dropping transport")
				return
			}
		}
	}
}

// push enqueues one frame in order and registers it for a reply.
func (s *Socket) push(topic, event string, payload any, timeout time.Duration) *Push {
	ref := strconv.FormatUint(s.ref.Add(1), 10)
	frame, err := wire.Encode(topic, event, ref, payload)
	if err != nil {
		return failedPush(err)
	}
	p := newPush(ref)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		p.resolve(nil, ErrSocketClosed)
		return p
	}
	if s.conn == nil {
		p.resolve(nil, ErrNotConnected)
		return p
	}
	select {
	case s.send <- frame:
	default:
		p.resolve(nil, ErrBackpressure)
		return p
	}
	s.pending[ref] = p
	p.timer = time.AfterFunc(timeout, func() { s.expire(ref) })
	return p
}

func (s *Socket) expire(ref string) {
	s.mu.Lock()
	p, ok := s.pending[ref]
	delete(s.pending, ref)
	s.mu.Unlock()
	if ok {
		p.resolve(nil, ErrPushTimeout)
	}
}

// Channel returns the channel for topic, creating it when absent or left.
func (s *Socket) Channel(topic string, params wire.JoinParams) *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.channels[topic]; ok && ch.State() != ChannelLeft {
		return ch
	}
	ch := newChannel(s, topic, params)
	s.channels[topic] = ch
	return ch
}

func (s *Socket) addChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.topic] = ch
}

func (s *Socket) removeChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.channels[ch.topic]; ok && cur == ch {
		delete(s.channels, ch.topic)
	}
}
