package app

import "github.com/dkeye/Meet/internal/core"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	MarkSlow
	KickMember
	DropFrame
)

type Policy interface {
	OnBackPressure(meeting core.MeetingService, member core.MemberSession) BackpressureAction
}

// SimplePolicy kicks a member whose send queue is full; the client
// reconnects and resumes inside the grace window.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(meeting core.MeetingService, member core.MemberSession) BackpressureAction {
	return KickMember
}

// LenientPolicy drops the frame and keeps the member.
type LenientPolicy struct{}

func (LenientPolicy) OnBackPressure(meeting core.MeetingService, member core.MemberSession) BackpressureAction {
	return DropFrame
}

// PolicyFor maps a config value to a policy; unknown names kick.
func PolicyFor(name string) Policy {
	if name == "drop" {
		return LenientPolicy{}
	}
	return SimplePolicy{}
}
