package domain

type VideoSource int

const (
	VideoNone VideoSource = iota
	VideoCamera
	VideoScreen
)

func (s VideoSource) String() string {
	switch s {
	case VideoCamera:
		return "camera"
	case VideoScreen:
		return "screen"
	}
	return "none"
}

type LocalMediaState struct {
	AudioEnabled      bool
	VideoEnabled      bool
	ActiveVideoSource VideoSource
}

// ControlState reflects user intent. HandRaised and Recording are
// broadcast to the meeting; the rest drive local media only.
type ControlState struct {
	Mic         bool
	Video       bool
	ScreenShare bool
	HandRaised  bool
	Recording   bool
}
