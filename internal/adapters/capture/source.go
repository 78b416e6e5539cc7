package capture

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var errUnsupported = errors.New("unsupported media file")

// frameSource yields encoded frames with the time each one covers.
type frameSource interface {
	next() ([]byte, time.Duration, error)
	io.Closer
}

type ivfSource struct {
	f     *os.File
	r     *ivfreader.IVFReader
	frame time.Duration
}

func openIVF(path string) (*ivfSource, webrtc.RTPCodecCapability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}
	r, hdr, err := ivfreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("ivf header: %w", err)
	}
	var mime string
	switch hdr.FourCC {
	case "VP80":
		mime = webrtc.MimeTypeVP8
	case "VP90":
		mime = webrtc.MimeTypeVP9
	case "AV01":
		mime = webrtc.MimeTypeAV1
	default:
		_ = f.Close()
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("%w: fourcc %q", errUnsupported, hdr.FourCC)
	}
	frame := 33 * time.Millisecond
	if hdr.TimebaseDenominator != 0 {
		frame = time.Duration(float64(hdr.TimebaseNumerator)/float64(hdr.TimebaseDenominator)*1000) * time.Millisecond
	}
	return &ivfSource{f: f, r: r, frame: frame}, webrtc.RTPCodecCapability{MimeType: mime, ClockRate: 90000}, nil
}

func (s *ivfSource) next() ([]byte, time.Duration, error) {
	data, _, err := s.r.ParseNextFrame()
	if err != nil {
		return nil, 0, err
	}
	return data, s.frame, nil
}

func (s *ivfSource) Close() error { return s.f.Close() }

type oggSource struct {
	f    *os.File
	r    *oggreader.OggReader
	last uint64
}

func openOgg(path string) (*oggSource, webrtc.RTPCodecCapability, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, webrtc.RTPCodecCapability{}, err
	}
	r, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("ogg header: %w", err)
	}
	return &oggSource{f: f, r: r}, webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, nil
}

func (s *oggSource) next() ([]byte, time.Duration, error) {
	page, hdr, err := s.r.ParseNextPage()
	if err != nil {
		return nil, 0, err
	}
	samples := float64(hdr.GranulePosition - s.last)
	s.last = hdr.GranulePosition
	return page, time.Duration((samples/48000)*1000) * time.Millisecond, nil
}

func (s *oggSource) Close() error { return s.f.Close() }

// openSource picks the reader by file extension.
func openSource(path string) (frameSource, webrtc.RTPCodecCapability, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".ivf":
		src, codec, err := openIVF(path)
		if err != nil {
			return nil, codec, err
		}
		return src, codec, nil
	case ".ogg", ".opus":
		src, codec, err := openOgg(path)
		if err != nil {
			return nil, codec, err
		}
		return src, codec, nil
	}
	return nil, webrtc.RTPCodecCapability{}, fmt.Errorf("%w: %s", errUnsupported, path)
}
