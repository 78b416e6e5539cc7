package room

import (
	"context"
	"errors"

	"github.com/dkeye/Meet/internal/client/chat"
	"github.com/dkeye/Meet/internal/client/media"
	"github.com/dkeye/Meet/internal/client/signaling"
	"github.com/dkeye/Meet/internal/wire"
)

// call runs fn on the loop when the room is joined.
func (r *Room) call(fn func() error) error {
	var err error
	if derr := r.do(func() {
		if r.state != StateJoined {
			err = ErrNotJoined
			return
		}
		err = fn()
	}); derr != nil {
		return derr
	}
	return err
}

// ToggleMic flips the microphone and returns the resulting value, which is
// unchanged when the flip fails.
func (r *Room) ToggleMic() (bool, error) {
	var on bool
	err := r.call(func() error {
		err := r.media.SetAudioEnabled(!r.controls.Mic)
		on = r.controls.Mic
		return err
	})
	return on, err
}

func (r *Room) ToggleVideo() (bool, error) {
	var on bool
	err := r.call(func() error {
		err := r.media.SetVideoEnabled(!r.controls.Video)
		on = r.controls.Video
		return err
	})
	return on, err
}

// ToggleScreenShare starts or stops sharing and returns whether the screen
// is now the active source.
func (r *Room) ToggleScreenShare(ctx context.Context) (bool, error) {
	var on bool
	err := r.call(func() error {
		if r.controls.ScreenShare {
			err := r.media.StopScreenShare(ctx)
			on = r.controls.ScreenShare
			return err
		}
		err := r.media.StartScreenShare(ctx)
		if errors.Is(err, media.ErrPermissionDenied) {
			r.notice("screen share permission denied")
		}
		on = r.controls.ScreenShare
		return err
	})
	return on, err
}

// ToggleHand broadcasts the raised hand. The flag reverts if the hub does
// not take it.
func (r *Room) ToggleHand() (bool, error) {
	var on bool
	err := r.call(func() error {
		on = !r.controls.HandRaised
		r.controls.HandRaised = on
		p := r.ch.Push(wire.EventHandToggle, wire.HandToggle{UserID: r.self.ID, HandRaised: on})
		r.settle(p, "hand", func() {
			if r.controls.HandRaised == on {
				r.controls.HandRaised = !on
			}
		})
		return nil
	})
	return on, err
}

// ToggleRecording broadcasts the recording intent flag. Nothing is
// recorded locally.
func (r *Room) ToggleRecording() (bool, error) {
	var on bool
	err := r.call(func() error {
		on = !r.controls.Recording
		r.controls.Recording = on
		p := r.ch.Push(wire.EventRecordingToggle, wire.RecordingToggle{UserID: r.self.ID, Recording: on})
		r.settle(p, "recording", func() {
			if r.controls.Recording == on {
				r.controls.Recording = !on
			}
		})
		return nil
	})
	return on, err
}

// settle waits for p off the loop and runs revert on the loop if it failed.
func (r *Room) settle(p *signaling.Push, what string, revert func()) {
	go func() {
		if _, err := p.Wait(r.ctx); err != nil {
			r.post(func() {
				if r.state != StateJoined {
					return
				}
				revert()
				r.logger.Warn().Err(err).Str("control", what).Msg("control not delivered")
				r.notice(what + " update not delivered")
			})
		}
	}()
}

func (r *Room) SendChat(body string) (chat.Entry, error) {
	var e chat.Entry
	err := r.call(func() error {
		var err error
		e, err = r.chat.Send(body)
		return err
	})
	return e, err
}

func (r *Room) ResendChat(clientID string) error {
	return r.call(func() error { return r.chat.Resend(clientID) })
}

func (r *Room) SetTyping(typing bool) error {
	return r.call(func() error {
		r.chat.SetTyping(typing)
		return nil
	})
}
