package capture

import "sync/atomic"

type pumpState int32

const (
	stateLive pumpState = iota
	stateMuted
	stateEnded
)

// switchState is read by the pump on every frame and written by the owner.
type switchState struct {
	v atomic.Int32 // zero is stateLive
}

func (s *switchState) get() pumpState { return pumpState(s.v.Load()) }

func (s *switchState) markLive() { s.v.CompareAndSwap(int32(stateMuted), int32(stateLive)) }

func (s *switchState) markMuted() { s.v.CompareAndSwap(int32(stateLive), int32(stateMuted)) }

func (s *switchState) markEnded() { s.v.Store(int32(stateEnded)) }
