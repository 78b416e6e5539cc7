// Package media owns the local capture sources of a participant.
package media

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
	ErrNoCapture         = errors.New("no capture for this kind")
	ErrAlreadySharing    = errors.New("screen share already active")
	ErrNotSharing        = errors.New("screen share not active")
	ErrStopped           = errors.New("media controller stopped")
)

type Kind int

const (
	KindMicrophone Kind = iota
	KindCamera
	KindScreen
)

func (k Kind) String() string {
	switch k {
	case KindMicrophone:
		return "microphone"
	case KindCamera:
		return "camera"
	case KindScreen:
		return "screen"
	}
	return "unknown"
}

func (k Kind) CodecType() webrtc.RTPCodecType {
	if k == KindMicrophone {
		return webrtc.RTPCodecTypeAudio
	}
	return webrtc.RTPCodecTypeVideo
}

// Capture is one live local source.
type Capture interface {
	Kind() Kind
	Track() webrtc.TrackLocal
	SetEnabled(enabled bool)
	Enabled() bool
	// Ended is closed when the source stops, by Stop or on its own.
	Ended() <-chan struct{}
	Stop()
}

// Device opens captures. Open fails with ErrPermissionDenied or
// ErrDeviceUnavailable.
type Device interface {
	Open(ctx context.Context, kind Kind) (Capture, error)
}

// TrackReplacer swaps the outgoing track of a kind on every link.
type TrackReplacer interface {
	ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error
}
