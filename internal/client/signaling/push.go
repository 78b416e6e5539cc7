// Package signaling is the participant side of the hub protocol: one
// reconnecting Socket per endpoint, multiplexing topic Channels.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrNotConnected  = errors.New("socket not connected")
	ErrNotJoined     = errors.New("channel not joined")
	ErrDisconnected  = errors.New("socket disconnected")
	ErrBackpressure  = errors.New("backpressure")
	ErrPushTimeout   = errors.New("push timeout")
	ErrSocketClosed  = errors.New("socket closed")
	ErrJoinTimeout   = errors.New("join timeout")
	ErrAlreadyJoined = errors.New("channel already joined")
)

// RejectedError is an error reply from the hub.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string { return "rejected: " + e.Reason }

// JoinRejectedError is returned by Join when the hub refuses the
// membership (auth, capacity).
type JoinRejectedError struct {
	Reason string
}

func (e *JoinRejectedError) Error() string { return fmt.Sprintf("join rejected: %s", e.Reason) }

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeError
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	}
	return "error"
}

// OutcomeOf classifies the error returned by Push.Wait.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, ErrPushTimeout), errors.Is(err, context.DeadlineExceeded):
		return OutcomeTimeout
	}
	return OutcomeError
}

// Push is one in-flight acknowledged message. Delivery is at most once;
// nothing is retried.
type Push struct {
	ref   string
	done  chan struct{}
	once  sync.Once
	resp  json.RawMessage
	err   error
	timer *time.Timer
}

func newPush(ref string) *Push {
	return &Push{ref: ref, done: make(chan struct{})}
}

func failedPush(err error) *Push { return Completed(nil, err) }

func (p *Push) resolve(resp json.RawMessage, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

func (p *Push) Ref() string { return p.ref }

// Done is closed once the push has an outcome.
func (p *Push) Done() <-chan struct{} { return p.done }

// Wait blocks for the reply. The returned error is nil, a *RejectedError,
// ErrPushTimeout, or a transport error.
func (p *Push) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Completed returns a push that already carries its outcome. Local
// transports and fakes use it.
func Completed(resp json.RawMessage, err error) *Push {
	p := newPush("")
	p.resolve(resp, err)
	return p
}
