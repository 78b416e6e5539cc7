package domain

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

var ErrUnknownSignal = errors.New("unknown signal kind")

// Signal is an addressed negotiation message between two participants.
type Signal struct {
	Kind     SignalKind      `json:"kind"`
	SenderID UserID          `json:"sender_id"`
	TargetID UserID          `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

// SignalBody is the decoded payload of a Signal. Exactly one of the
// implementations below is produced per kind.
type SignalBody interface{ signalKind() SignalKind }

type OfferBody struct{ webrtc.SessionDescription }
type AnswerBody struct{ webrtc.SessionDescription }
type CandidateBody struct{ webrtc.ICECandidateInit }

func (OfferBody) signalKind() SignalKind     { return SignalOffer }
func (AnswerBody) signalKind() SignalKind    { return SignalAnswer }
func (CandidateBody) signalKind() SignalKind { return SignalCandidate }

// NewSignal encodes body into an addressed Signal.
func NewSignal(from, to UserID, body SignalBody) (Signal, error) {
	var v any
	switch b := body.(type) {
	case OfferBody:
		v = b.SessionDescription
	case AnswerBody:
		v = b.SessionDescription
	case CandidateBody:
		v = b.ICECandidateInit
	default:
		return Signal{}, ErrUnknownSignal
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Signal{}, fmt.Errorf("encode %s: %w", body.signalKind(), err)
	}
	return Signal{Kind: body.signalKind(), SenderID: from, TargetID: to, Payload: raw}, nil
}

// Decode returns the typed payload for s.Kind.
func (s Signal) Decode() (SignalBody, error) {
	switch s.Kind {
	case SignalOffer:
		var d webrtc.SessionDescription
		if err := json.Unmarshal(s.Payload, &d); err != nil {
			return nil, fmt.Errorf("decode offer: %w", err)
		}
		return OfferBody{d}, nil
	case SignalAnswer:
		var d webrtc.SessionDescription
		if err := json.Unmarshal(s.Payload, &d); err != nil {
			return nil, fmt.Errorf("decode answer: %w", err)
		}
		return AnswerBody{d}, nil
	case SignalCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(s.Payload, &c); err != nil {
			return nil, fmt.Errorf("decode candidate: %w", err)
		}
		return CandidateBody{c}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignal, s.Kind)
	}
}

// AddressedTo reports whether self should process s.
func (s Signal) AddressedTo(self UserID) bool {
	return s.TargetID == self && s.SenderID != self
}
