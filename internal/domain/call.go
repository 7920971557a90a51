package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallStatus is the lifecycle state of a call record
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAccepted  CallStatus = "accepted"
	CallStatusDeclined  CallStatus = "declined"
	CallStatusEnded     CallStatus = "ended"
)

// callTransitions is the set of permitted status transitions. A call only
// moves forward; declined and ended are terminal.
var callTransitions = map[CallStatus][]CallStatus{
	CallStatusInitiated: {CallStatusRinging, CallStatusDeclined, CallStatusEnded},
	CallStatusRinging:   {CallStatusAccepted, CallStatusDeclined, CallStatusEnded},
	CallStatusAccepted:  {CallStatusEnded},
	CallStatusDeclined:  {},
	CallStatusEnded:     {},
}

// Valid reports whether s is a known call status
func (s CallStatus) Valid() bool {
	switch s {
	case CallStatusInitiated, CallStatusRinging, CallStatusAccepted, CallStatusDeclined, CallStatusEnded:
		return true
	}
	return false
}

// Terminal reports whether s is a terminal status
func (s CallStatus) Terminal() bool {
	return s == CallStatusDeclined || s == CallStatusEnded
}

// CanTransition reports whether a call in status s may move to next.
// Writing the same status again is not a transition; callers treat it as a
// duplicate and suppress it separately.
func (s CallStatus) CanTransition(next CallStatus) bool {
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// TimestampField returns the call record field stamped when a call enters
// this status, or "" if the status has no dedicated timestamp.
func (s CallStatus) TimestampField() string {
	switch s {
	case CallStatusRinging:
		return "ringingAt"
	case CallStatusAccepted:
		return "acceptedAt"
	case CallStatusDeclined:
		return "declinedAt"
	case CallStatusEnded:
		return "endedAt"
	}
	return ""
}

// CallType distinguishes audio-only from video calls
type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// SessionDescription is an opaque SDP blob exchanged through the signaling
// channel. Type is "offer" or "answer".
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Equal compares two descriptions structurally. Used to suppress duplicate
// subscription deliveries of the same offer/answer.
func (d *SessionDescription) Equal(other *SessionDescription) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Type == other.Type && d.SDP == other.SDP
}

// Candidate is one ICE candidate in the wire shape both peers exchange
// through the candidate subcollections.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Valid reports whether the candidate is well-formed enough to transmit.
// A candidate with neither a candidate string nor an sdpMid is garbage and
// must never reach the remote peer.
func (c *Candidate) Valid() bool {
	if c == nil {
		return false
	}
	return c.Candidate != "" || (c.SDPMid != nil && *c.SDPMid != "")
}

// CallRecord is the signaling document, one per call attempt. It is the
// single piece of shared mutable state between the two peers.
type CallRecord struct {
	ID         string              `json:"id"`
	CallerUID  uuid.UUID           `json:"caller_uid"`
	CalleeUID  uuid.UUID           `json:"callee_uid"`
	CallType   CallType            `json:"call_type"`
	Status     CallStatus          `json:"status"`
	Offer      *SessionDescription `json:"offer,omitempty"`
	Answer     *SessionDescription `json:"answer,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
	RingingAt  *time.Time          `json:"ringing_at,omitempty"`
	AcceptedAt *time.Time          `json:"accepted_at,omitempty"`
	DeclinedAt *time.Time          `json:"declined_at,omitempty"`
	EndedAt    *time.Time          `json:"ended_at,omitempty"`
}

// Duration returns the connected duration of an ended call, or zero
func (r *CallRecord) Duration() time.Duration {
	if r.AcceptedAt == nil || r.EndedAt == nil {
		return 0
	}
	d := r.EndedAt.Sub(*r.AcceptedAt)
	if d < 0 {
		return 0
	}
	return d
}
