package capture

import (
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dkeye/Meet/internal/client/media"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeIVF writes a tiny VP8 IVF file with n dummy frames at 1/100s.
func writeIVF(t *testing.T, n int) string {
	t.Helper()
	hdr := make([]byte, 32)
	copy(hdr[0:4], "DKIF")
	binary.LittleEndian.PutUint16(hdr[4:], 0)
	binary.LittleEndian.PutUint16(hdr[6:], 32)
	copy(hdr[8:12], "VP80")
	binary.LittleEndian.PutUint16(hdr[12:], 64)
	binary.LittleEndian.PutUint16(hdr[14:], 48)
	binary.LittleEndian.PutUint32(hdr[16:], 100)
	binary.LittleEndian.PutUint32(hdr[20:], 1)
	binary.LittleEndian.PutUint32(hdr[24:], uint32(n))

	buf := append([]byte(nil), hdr...)
	for i := 0; i < n; i++ {
		fh := make([]byte, 12)
		binary.LittleEndian.PutUint32(fh[0:], 4)
		binary.LittleEndian.PutUint64(fh[4:], uint64(i))
		buf = append(buf, fh...)
		buf = append(buf, 0x10, 0x02, 0x00, 0x9d)
	}
	path := filepath.Join(t.TempDir(), "clip.ivf")
	require.NoError(t, os.WriteFile(path, buf, 0o644))
	return path
}

func TestOpenDenied(t *testing.T) {
	d := &FileDevice{Camera: "cam.ivf", Deny: []media.Kind{media.KindCamera}}
	_, err := d.Open(context.Background(), media.KindCamera)
	assert.ErrorIs(t, err, media.ErrPermissionDenied)
}

func TestOpenUnavailable(t *testing.T) {
	d := &FileDevice{Camera: filepath.Join(t.TempDir(), "missing.ivf")}
	_, err := d.Open(context.Background(), media.KindMicrophone)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
	_, err = d.Open(context.Background(), media.KindCamera)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
}

func TestOpenUnsupportedExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.mp4")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	d := &FileDevice{Camera: path}
	_, err := d.Open(context.Background(), media.KindCamera)
	assert.ErrorIs(t, err, media.ErrDeviceUnavailable)
}

func TestScreenEndsWithFile(t *testing.T) {
	d := &FileDevice{Screen: writeIVF(t, 3)}
	c, err := d.Open(context.Background(), media.KindScreen)
	require.NoError(t, err)
	assert.Equal(t, media.KindScreen, c.Kind())
	assert.Equal(t, webrtc.RTPCodecTypeVideo, c.Track().Kind())

	select {
	case <-c.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("screen capture did not end")
	}
	assert.False(t, c.Enabled())
}

func TestCameraLoopsUntilStopped(t *testing.T) {
	d := &FileDevice{Camera: writeIVF(t, 2)}
	c, err := d.Open(context.Background(), media.KindCamera)
	require.NoError(t, err)

	c.SetEnabled(false)
	assert.False(t, c.Enabled())
	c.SetEnabled(true)
	assert.True(t, c.Enabled())

	select {
	case <-c.Ended():
		t.Fatal("camera ended on its own")
	case <-time.After(100 * time.Millisecond):
	}
	c.Stop()
	select {
	case <-c.Ended():
	default:
		t.Fatal("stop did not end the capture")
	}
	c.SetEnabled(true)
	assert.False(t, c.Enabled())
}
