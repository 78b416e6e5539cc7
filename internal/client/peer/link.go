package peer

import (
	"time"

	"github.com/dkeye/Meet/internal/core"
	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
)

type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

type State int

const (
	StateNew State = iota
	StateHaveLocalOffer
	StateHaveRemoteOffer
	StateStable
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateHaveLocalOffer:
		return "have-local-offer"
	case StateHaveRemoteOffer:
		return "have-remote-offer"
	case StateStable:
		return "stable"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Link is the connection to one remote participant. Only the Manager
// creates, mutates and destroys links.
type Link struct {
	remote  domain.UserID
	role    Role
	state   State
	conn    core.PeerConnection
	senders map[webrtc.RTPCodecType]core.Sender
	// pending holds remote candidates that arrived before the remote
	// description.
	pending []webrtc.ICECandidateInit
	idle    *time.Timer
	await   *time.Timer
}

// LinkInfo is a read-only snapshot of a Link.
type LinkInfo struct {
	RemoteID domain.UserID
	Role     Role
	State    State
	Pending  int
}

func (l *Link) info() LinkInfo {
	return LinkInfo{
		RemoteID: l.remote,
		Role:     l.role,
		State:    l.state,
		Pending:  len(l.pending),
	}
}

func (l *Link) stopIdle() {
	if l.idle != nil {
		l.idle.Stop()
		l.idle = nil
	}
}

func (l *Link) stopAwait() {
	if l.await != nil {
		l.await.Stop()
		l.await = nil
	}
}
