package peer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// RTPReader is the receiving side of a remote track.
type RTPReader interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type TrackStats struct {
	TrackID string
	Kind    webrtc.RTPCodecType
	Packets uint64
	Bytes   uint64
	Lost    uint64
	Last    time.Time
}

// sink drains one remote track and keeps receive counters.
type sink struct {
	src    RTPReader
	cancel context.CancelFunc

	packets atomic.Uint64
	bytes   atomic.Uint64
	lost    atomic.Uint64
	last    atomic.Int64
	seq     uint16
	started bool
}

func (s *sink) loop(ctx context.Context, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("sink ctx done")
			return
		default:
		}
		pkt, _, err := s.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("sink read ended")
			return
		}
		s.account(pkt)
	}
}

func (s *sink) account(pkt *rtp.Packet) {
	if s.started {
		// Gaps beyond a small window are reorders or restarts, not loss.
		if gap := pkt.SequenceNumber - s.seq - 1; gap > 0 && gap < 1000 {
			s.lost.Add(uint64(gap))
		}
	}
	s.seq = pkt.SequenceNumber
	s.started = true
	s.packets.Add(1)
	s.bytes.Add(uint64(len(pkt.Payload)))
	s.last.Store(time.Now().UnixNano())
}

func (s *sink) stats() TrackStats {
	st := TrackStats{
		TrackID: s.src.ID(),
		Kind:    s.src.Kind(),
		Packets: s.packets.Load(),
		Bytes:   s.bytes.Load(),
		Lost:    s.lost.Load(),
	}
	if ns := s.last.Load(); ns != 0 {
		st.Last = time.Unix(0, ns)
	}
	return st
}

// Sinks holds the remote track sinks of every link. Track callbacks arrive
// on pion goroutines, so it is locked.
type Sinks struct {
	mu    sync.RWMutex
	sinks map[domain.UserID][]*sink
}

func NewSinks() *Sinks {
	return &Sinks{sinks: make(map[domain.UserID][]*sink)}
}

// Start begins draining track for remote.
func (m *Sinks) Start(remote domain.UserID, track RTPReader) {
	logger := log.With().
		Str("module", "sink").
		Str("peer", string(remote)).
		Str("kind", track.Kind().String()).
		Logger()

	ctx, cancel := context.WithCancel(context.Background())
	s := &sink{src: track, cancel: cancel}

	m.mu.Lock()
	m.sinks[remote] = append(m.sinks[remote], s)
	m.mu.Unlock()

	logger.Info().Str("track_id", track.ID()).Msg("starting sink")
	go s.loop(ctx, &logger)
}

// Stop cancels every sink of remote. The read loop returns once the
// connection closes underneath it.
func (m *Sinks) Stop(remote domain.UserID) {
	m.mu.Lock()
	list := m.sinks[remote]
	delete(m.sinks, remote)
	m.mu.Unlock()
	for _, s := range list {
		s.cancel()
	}
}

func (m *Sinks) Stats(remote domain.UserID) []TrackStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]TrackStats, 0, len(m.sinks[remote]))
	for _, s := range m.sinks[remote] {
		out = append(out, s.stats())
	}
	return out
}

func (m *Sinks) Has(remote domain.UserID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sinks[remote]) > 0
}
