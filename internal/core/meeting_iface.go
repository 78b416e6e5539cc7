package core

import (
	"errors"

	"github.com/dkeye/Meet/internal/domain"
)

var (
	ErrNoMember = errors.New("no such member")
	ErrDetached = errors.New("member detached")
)

// PublishResult reports delivery stats/backpressure to orchestrator.
type PublishResult struct {
	SendTo  int
	Dropped []MemberSession
}

// Admission is the outcome of AddMember.
type Admission struct {
	// Replaced is the session that held this user's membership before.
	Replaced SessionID
	// Resumed is set when the previous membership was detached (grace window).
	Resumed bool
	// Participant keeps the original join time and order on resume.
	Participant domain.Participant
}

// MeetingService is the core-facing API of a meeting.
// It owns the membership set but never touches transport resources.
type MeetingService interface {
	Meeting() *domain.Meeting
	MemberCount() int
	Roster() []domain.Participant

	AddMember(sid SessionID, ms MemberSession) Admission
	// RemoveMember removes uid only while sid still owns the membership.
	RemoveMember(uid domain.UserID, sid SessionID) bool
	// Detach keeps the membership but stops delivery until re-join or removal.
	Detach(uid domain.UserID, sid SessionID) bool
	IsDetached(uid domain.UserID) bool
	SessionOf(uid domain.UserID) (SessionID, bool)

	SendTo(uid domain.UserID, data Frame) error
	Broadcast(exclude SessionID, data Frame) PublishResult
}

type MeetingInfo struct {
	ID          domain.MeetingID `json:"id"`
	MemberCount int              `json:"member_count"`
}

type MeetingManager interface {
	GetOrCreate(id domain.MeetingID) MeetingService
	Get(id domain.MeetingID) (MeetingService, bool)
	List() []MeetingInfo
	StopMeeting(id domain.MeetingID)
}
