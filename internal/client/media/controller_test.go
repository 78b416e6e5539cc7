package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCapture struct {
	kind    Kind
	track   webrtc.TrackLocal
	enabled bool
	ended   chan struct{}
	once    sync.Once
}

func (f *fakeCapture) Kind() Kind               { return f.kind }
func (f *fakeCapture) Track() webrtc.TrackLocal { return f.track }
func (f *fakeCapture) SetEnabled(e bool)        { f.enabled = e }
func (f *fakeCapture) Enabled() bool            { return f.enabled }
func (f *fakeCapture) Ended() <-chan struct{}   { return f.ended }
func (f *fakeCapture) Stop()                    { f.once.Do(func() { close(f.ended) }) }

type fakeDevice struct {
	deny   map[Kind]error
	opened []*fakeCapture
}

func (d *fakeDevice) Open(_ context.Context, kind Kind) (Capture, error) {
	if err := d.deny[kind]; err != nil {
		return nil, err
	}
	mime := webrtc.MimeTypeVP8
	if kind == KindMicrophone {
		mime = webrtc.MimeTypeOpus
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, kind.String(), "local")
	if err != nil {
		return nil, err
	}
	c := &fakeCapture{kind: kind, track: track, enabled: true, ended: make(chan struct{})}
	d.opened = append(d.opened, c)
	return c, nil
}

type replaceCall struct {
	kind  webrtc.RTPCodecType
	track webrtc.TrackLocal
}

type fakeReplacer struct{ calls []replaceCall }

func (r *fakeReplacer) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	r.calls = append(r.calls, replaceCall{kind, track})
	return nil
}

func TestAcquireBoth(t *testing.T) {
	c := NewController(&fakeDevice{}, Options{})
	s, err := c.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	assert.NotNil(t, s.Audio)
	assert.NotNil(t, s.Video)
	assert.Len(t, s.Tracks(), 2)
	assert.Equal(t, domain.LocalMediaState{AudioEnabled: true, VideoEnabled: true, ActiveVideoSource: domain.VideoCamera}, c.State())
	assert.Equal(t, 2, c.LiveTracks())
}

func TestAcquirePermissionDeniedIsPartial(t *testing.T) {
	dev := &fakeDevice{deny: map[Kind]error{KindCamera: ErrPermissionDenied}}
	c := NewController(dev, Options{})
	s, err := c.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.NotNil(t, s.Audio)
	assert.Nil(t, s.Video)
	assert.Equal(t, domain.VideoNone, c.State().ActiveVideoSource)
	assert.ErrorIs(t, c.SetVideoEnabled(true), ErrNoCapture)
}

func TestTogglesFlipEnabled(t *testing.T) {
	dev := &fakeDevice{}
	c := NewController(dev, Options{})
	_, err := c.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)

	require.NoError(t, c.SetAudioEnabled(false))
	require.NoError(t, c.SetVideoEnabled(false))
	assert.False(t, dev.opened[0].enabled)
	assert.False(t, dev.opened[1].enabled)
	assert.False(t, c.State().AudioEnabled)
	assert.False(t, c.State().VideoEnabled)
	assert.Len(t, dev.opened, 2)
}

func TestScreenShareReplacesAndRestores(t *testing.T) {
	dev := &fakeDevice{}
	rep := &fakeReplacer{}
	c := NewController(dev, Options{})
	c.SetReplacer(rep)
	_, err := c.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	cam := dev.opened[1]

	require.NoError(t, c.StartScreenShare(context.Background()))
	screen := dev.opened[2]
	assert.Equal(t, KindScreen, screen.kind)
	assert.Equal(t, domain.VideoScreen, c.State().ActiveVideoSource)
	assert.Equal(t, 2, c.LiveTracks())
	select {
	case <-cam.ended:
	default:
		t.Fatal("camera still live while sharing")
	}
	require.Len(t, rep.calls, 1)
	assert.Equal(t, webrtc.RTPCodecTypeVideo, rep.calls[0].kind)
	assert.Equal(t, screen.track, rep.calls[0].track)
	assert.ErrorIs(t, c.StartScreenShare(context.Background()), ErrAlreadySharing)

	require.NoError(t, c.StopScreenShare(context.Background()))
	assert.Equal(t, domain.VideoCamera, c.State().ActiveVideoSource)
	require.Len(t, rep.calls, 2)
	assert.Equal(t, dev.opened[3].track, rep.calls[1].track)
	assert.ErrorIs(t, c.StopScreenShare(context.Background()), ErrNotSharing)
}

func TestScreenEndedRestoresCamera(t *testing.T) {
	dev := &fakeDevice{}
	rep := &fakeReplacer{}
	posted := make(chan func(), 1)
	c := NewController(dev, Options{Post: func(fn func()) { posted <- fn }})
	c.SetReplacer(rep)
	_, err := c.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)
	require.NoError(t, c.SetVideoEnabled(false))
	require.NoError(t, c.StartScreenShare(context.Background()))

	dev.opened[1].Stop()
	select {
	case fn := <-posted:
		fn()
	case <-time.After(time.Second):
		t.Fatal("screen end not observed")
	}

	assert.Equal(t, domain.VideoCamera, c.State().ActiveVideoSource)
	restored := dev.opened[2]
	assert.Equal(t, KindCamera, restored.kind)
	assert.False(t, restored.enabled)
	require.Len(t, rep.calls, 2)
	assert.Equal(t, restored.track, rep.calls[1].track)
}

func TestScreenShareDeniedKeepsCamera(t *testing.T) {
	dev := &fakeDevice{deny: map[Kind]error{KindScreen: ErrPermissionDenied}}
	c := NewController(dev, Options{})
	_, err := c.Acquire(context.Background(), Constraints{Video: true})
	require.NoError(t, err)
	err = c.StartScreenShare(context.Background())
	assert.True(t, errors.Is(err, ErrPermissionDenied))
	assert.Equal(t, domain.VideoCamera, c.State().ActiveVideoSource)
	assert.Equal(t, 1, c.LiveTracks())
}

func TestStopEndsEverything(t *testing.T) {
	dev := &fakeDevice{}
	c := NewController(dev, Options{})
	_, err := c.Acquire(context.Background(), Constraints{Audio: true, Video: true})
	require.NoError(t, err)
	require.NoError(t, c.StartScreenShare(context.Background()))

	c.Stop()
	assert.Equal(t, 0, c.LiveTracks())
	for _, cp := range dev.opened {
		select {
		case <-cp.ended:
		default:
			t.Fatalf("%s capture still live", cp.kind)
		}
	}
	_, err = c.Acquire(context.Background(), Constraints{Audio: true})
	assert.ErrorIs(t, err, ErrStopped)
}
