package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dkeye/Meet/internal/domain"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

const defaultOpenTimeout = 10 * time.Second

type Constraints struct {
	Audio bool
	Video bool
}

// LocalStream is what Acquire managed to open.
type LocalStream struct {
	Audio Capture
	Video Capture
}

// Tracks lists the tracks of the stream that are present.
func (s *LocalStream) Tracks() []webrtc.TrackLocal {
	var out []webrtc.TrackLocal
	if s.Audio != nil {
		out = append(out, s.Audio.Track())
	}
	if s.Video != nil {
		out = append(out, s.Video.Track())
	}
	return out
}

type Options struct {
	// Post runs fn on the owner's loop. Screen capture end is delivered
	// through it.
	Post        func(fn func())
	OnChange    func(domain.LocalMediaState)
	OpenTimeout time.Duration
}

// Controller is the single writer of local media state. It is not safe for
// concurrent use; the room loop owns it.
type Controller struct {
	dev      Device
	opts     Options
	replacer TrackReplacer

	mic    Capture
	camera Capture
	screen Capture
	// stopWatch cancels the watcher of the current screen capture.
	stopWatch context.CancelFunc

	state   domain.LocalMediaState
	stopped bool
}

func NewController(dev Device, opts Options) *Controller {
	if opts.Post == nil {
		opts.Post = func(fn func()) { fn() }
	}
	if opts.OpenTimeout <= 0 {
		opts.OpenTimeout = defaultOpenTimeout
	}
	return &Controller{dev: dev, opts: opts}
}

func (c *Controller) SetReplacer(r TrackReplacer) { c.replacer = r }

func (c *Controller) State() domain.LocalMediaState { return c.state }

// Acquire opens the requested sources. Sources that fail are left out of
// the stream and their errors are joined into the returned error; the
// stream is never nil.
func (c *Controller) Acquire(ctx context.Context, cons Constraints) (*LocalStream, error) {
	if c.stopped {
		return &LocalStream{}, ErrStopped
	}
	var errs []error
	if cons.Audio && c.mic == nil {
		mic, err := c.dev.Open(ctx, KindMicrophone)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KindMicrophone, err))
		} else {
			c.mic = mic
			c.state.AudioEnabled = true
		}
	}
	if cons.Video && c.camera == nil && c.screen == nil {
		cam, err := c.dev.Open(ctx, KindCamera)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", KindCamera, err))
		} else {
			c.camera = cam
			c.state.VideoEnabled = true
			c.state.ActiveVideoSource = domain.VideoCamera
		}
	}
	c.changed()
	return c.Stream(), errors.Join(errs...)
}

// Stream returns the current audio capture and active video capture.
func (c *Controller) Stream() *LocalStream {
	s := &LocalStream{Audio: c.mic}
	switch {
	case c.screen != nil:
		s.Video = c.screen
	case c.camera != nil:
		s.Video = c.camera
	}
	return s
}

func (c *Controller) SetAudioEnabled(enabled bool) error {
	if c.mic == nil {
		return ErrNoCapture
	}
	c.mic.SetEnabled(enabled)
	c.state.AudioEnabled = enabled
	c.changed()
	return nil
}

// SetVideoEnabled flips the camera. While sharing the screen it only
// records the intent applied when the camera comes back.
func (c *Controller) SetVideoEnabled(enabled bool) error {
	if c.camera == nil && c.screen == nil {
		return ErrNoCapture
	}
	if c.camera != nil {
		c.camera.SetEnabled(enabled)
	}
	c.state.VideoEnabled = enabled
	c.changed()
	return nil
}

// StartScreenShare stops the camera and attaches a screen capture in its
// place on every link.
func (c *Controller) StartScreenShare(ctx context.Context) error {
	if c.stopped {
		return ErrStopped
	}
	if c.screen != nil {
		return ErrAlreadySharing
	}
	screen, err := c.dev.Open(ctx, KindScreen)
	if err != nil {
		return fmt.Errorf("%s: %w", KindScreen, err)
	}

	if c.camera != nil {
		c.camera.Stop()
		c.camera = nil
	}
	c.screen = screen
	c.state.ActiveVideoSource = domain.VideoScreen
	c.replace(screen.Track())
	c.watch(screen)
	c.changed()

	log.Info().Str("module", "media").Msg("screen share started")
	return nil
}

// StopScreenShare drops the screen capture and brings the camera back.
func (c *Controller) StopScreenShare(ctx context.Context) error {
	if c.screen == nil {
		return ErrNotSharing
	}
	c.dropScreen()
	return c.restoreCamera(ctx)
}

func (c *Controller) watch(screen Capture) {
	wctx, cancel := context.WithCancel(context.Background())
	c.stopWatch = cancel
	go func() {
		select {
		case <-screen.Ended():
			c.opts.Post(func() { c.screenEnded(screen) })
		case <-wctx.Done():
		}
	}()
}

// screenEnded handles a share stopped outside the app.
func (c *Controller) screenEnded(screen Capture) {
	if c.screen != screen || c.stopped {
		return
	}
	log.Info().Str("module", "media").Msg("screen capture ended, restoring camera")
	c.dropScreen()
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.OpenTimeout)
	defer cancel()
	if err := c.restoreCamera(ctx); err != nil {
		log.Warn().Str("module", "media").Err(err).Msg("camera restore failed")
	}
}

func (c *Controller) dropScreen() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	c.screen.Stop()
	c.screen = nil
	c.state.ActiveVideoSource = domain.VideoNone
}

func (c *Controller) restoreCamera(ctx context.Context) error {
	cam, err := c.dev.Open(ctx, KindCamera)
	if err != nil {
		c.replace(nil)
		c.changed()
		return fmt.Errorf("%s: %w", KindCamera, err)
	}
	cam.SetEnabled(c.state.VideoEnabled)
	c.camera = cam
	c.state.ActiveVideoSource = domain.VideoCamera
	c.replace(cam.Track())
	c.changed()
	return nil
}

func (c *Controller) replace(track webrtc.TrackLocal) {
	if c.replacer == nil {
		return
	}
	if err := c.replacer.ReplaceTrack(webrtc.RTPCodecTypeVideo, track); err != nil {
		log.Error().Str("module", "media").Err(err).Msg("replace video track")
	}
}

// Stop ends every capture. The controller cannot be reused.
func (c *Controller) Stop() {
	if c.stopWatch != nil {
		c.stopWatch()
		c.stopWatch = nil
	}
	for _, cp := range []Capture{c.mic, c.camera, c.screen} {
		if cp != nil {
			cp.Stop()
		}
	}
	c.mic, c.camera, c.screen = nil, nil, nil
	c.state = domain.LocalMediaState{}
	c.stopped = true
	c.changed()
}

// LiveTracks counts captures that have not ended.
func (c *Controller) LiveTracks() int {
	n := 0
	for _, cp := range []Capture{c.mic, c.camera, c.screen} {
		if cp == nil {
			continue
		}
		select {
		case <-cp.Ended():
		default:
			n++
		}
	}
	return n
}

func (c *Controller) changed() {
	if c.opts.OnChange != nil {
		c.opts.OnChange(c.state)
	}
}
