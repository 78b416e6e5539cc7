package core

import (
	"github.com/pion/webrtc/v4"
)

// PeerConnection is the slice of a WebRTC peer connection the mesh needs.
// The production implementation wraps *webrtc.PeerConnection.
type PeerConnection interface {
	// AddTrack attaches a local track and returns its sender.
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	// AddTransceiver reserves a sendrecv slot for kind without a track yet.
	AddTransceiver(kind webrtc.RTPCodecType) (Sender, error)

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	SignalingState() webrtc.SignalingState
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error

	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(*webrtc.TrackRemote))

	// Close should stop all underlying media resources.
	Close() error
}

// Sender is the outgoing half of a transceiver.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
	Track() webrtc.TrackLocal
}

// PeerConnectionFactory opens a fresh connection per remote participant.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}
