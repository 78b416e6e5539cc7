// Package capture implements media.Device on top of encoded media files,
// so a headless participant can publish camera, microphone and screen.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/dkeye/Meet/internal/client/media"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type FileDevice struct {
	Camera     string
	Microphone string
	Screen     string
	// Deny simulates a refused permission prompt per kind.
	Deny []media.Kind
	// StreamID groups the tracks of one participant.
	StreamID string
}

func (d *FileDevice) path(kind media.Kind) string {
	switch kind {
	case media.KindCamera:
		return d.Camera
	case media.KindMicrophone:
		return d.Microphone
	case media.KindScreen:
		return d.Screen
	}
	return ""
}

func (d *FileDevice) Open(ctx context.Context, kind media.Kind) (media.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, k := range d.Deny {
		if k == kind {
			return nil, media.ErrPermissionDenied
		}
	}
	path := d.path(kind)
	if path == "" {
		return nil, media.ErrDeviceUnavailable
	}
	src, codec, err := openSource(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, errUnsupported) {
			return nil, fmt.Errorf("%w: %v", media.ErrDeviceUnavailable, err)
		}
		return nil, err
	}
	streamID := d.StreamID
	if streamID == "" {
		streamID = "local"
	}
	track, err := webrtc.NewTrackLocalStaticSample(codec, kind.String()+"-"+uuid.NewString()[:8], streamID)
	if err != nil {
		_ = src.Close()
		return nil, err
	}

	c := &fileCapture{
		kind:  kind,
		path:  path,
		track: track,
		src:   src,
		// A shared screen ends with the file; camera and microphone loop.
		loop:  kind != media.KindScreen,
		ended: make(chan struct{}),
		stop:  make(chan struct{}),
	}
	logger := log.With().Str("module", "capture").Str("kind", kind.String()).Str("file", path).Logger()
	go c.pump(&logger)
	return c, nil
}

type fileCapture struct {
	kind  media.Kind
	path  string
	track *webrtc.TrackLocalStaticSample
	src   frameSource
	loop  bool
	state switchState

	ended    chan struct{}
	endOnce  sync.Once
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *fileCapture) Kind() media.Kind         { return c.kind }
func (c *fileCapture) Track() webrtc.TrackLocal { return c.track }
func (c *fileCapture) Ended() <-chan struct{}   { return c.ended }

func (c *fileCapture) Enabled() bool { return c.state.get() == stateLive }

func (c *fileCapture) SetEnabled(enabled bool) {
	if enabled {
		c.state.markLive()
	} else {
		c.state.markMuted()
	}
}

func (c *fileCapture) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	// Ended must be observable as soon as Stop returns.
	c.finish()
}

func (c *fileCapture) finish() {
	c.endOnce.Do(func() {
		c.state.markEnded()
		close(c.ended)
	})
}

// pump paces frames from the file into the track. Muted frames are read
// and dropped so the clock keeps running.
func (c *fileCapture) pump(logger *zerolog.Logger) {
	defer c.finish()
	defer func() { _ = c.src.Close() }()

	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for {
		if c.state.get() == stateEnded {
			return
		}
		data, d, err := c.src.next()
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if !c.loop {
				logger.Info().Msg("source ended")
				return
			}
			if err := c.rewind(); err != nil {
				logger.Error().Err(err).Msg("rewind failed")
				return
			}
			continue
		}
		if err != nil {
			logger.Error().Err(err).Msg("read frame failed")
			return
		}

		if c.state.get() == stateLive {
			if err := c.track.WriteSample(pionmedia.Sample{Data: data, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				logger.Error().Err(err).Msg("write sample failed")
				return
			}
		}

		timer.Reset(d)
		select {
		case <-c.stop:
			return
		case <-timer.C:
		}
	}
}

func (c *fileCapture) rewind() error {
	_ = c.src.Close()
	src, _, err := openSource(c.path)
	if err != nil {
		return err
	}
	c.src = src
	return nil
}

// Exists reports whether path names a readable file; used for config checks.
func Exists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
