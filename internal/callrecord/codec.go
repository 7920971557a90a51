package callrecord

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"flashchat-backend/internal/domain"
	"flashchat-backend/internal/signaling"
)

// Wire field names on the call record document. Both peers read and write
// these, so they are part of the signaling protocol and never change shape.
const (
	fieldCallerUID = "callerUid"
	fieldCalleeUID = "calleeUid"
	fieldCallType  = "callType"
	fieldStatus    = "status"
	fieldOffer     = "offer"
	fieldAnswer    = "answer"
	fieldCreatedAt = "createdAt"
	fieldEndedAt   = "endedAt"
)

func descriptionDoc(d *domain.SessionDescription) signaling.Document {
	return signaling.Document{
		"type": d.Type,
		"sdp":  d.SDP,
	}
}

func parseDescription(v any) *domain.SessionDescription {
	fields, ok := v.(map[string]any)
	if !ok {
		if doc, ok := v.(signaling.Document); ok {
			fields = doc
		} else {
			return nil
		}
	}

	sdp, _ := fields["sdp"].(string)
	typ, _ := fields["type"].(string)
	if sdp == "" && typ == "" {
		return nil
	}
	return &domain.SessionDescription{Type: typ, SDP: sdp}
}

func candidateDoc(c *domain.Candidate) signaling.Document {
	doc := signaling.Document{
		"candidate": c.Candidate,
	}
	if c.SDPMid != nil {
		doc["sdpMid"] = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		doc["sdpMLineIndex"] = int64(*c.SDPMLineIndex)
	}
	if c.UsernameFragment != nil {
		doc["usernameFragment"] = *c.UsernameFragment
	}
	return doc
}

func parseCandidate(doc signaling.Document) *domain.Candidate {
	c := &domain.Candidate{}
	c.Candidate, _ = doc["candidate"].(string)

	if mid, ok := doc["sdpMid"].(string); ok {
		c.SDPMid = &mid
	}
	if idx, ok := asInt(doc["sdpMLineIndex"]); ok {
		line := uint16(idx)
		c.SDPMLineIndex = &line
	}
	if frag, ok := doc["usernameFragment"].(string); ok && frag != "" {
		c.UsernameFragment = &frag
	}
	return c
}

// asInt normalizes the numeric types a document store may hand back
func asInt(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

func parseStatus(doc signaling.Document) (domain.CallStatus, bool) {
	raw, ok := doc[fieldStatus].(string)
	if !ok {
		return "", false
	}
	status := domain.CallStatus(raw)
	return status, status.Valid()
}

func decodeCallRecord(id string, doc signaling.Document) (*domain.CallRecord, error) {
	callerRaw, _ := doc[fieldCallerUID].(string)
	callerUID, err := uuid.Parse(callerRaw)
	if err != nil {
		return nil, fmt.Errorf("call %s: bad caller uid %q: %w", id, callerRaw, err)
	}
	calleeRaw, _ := doc[fieldCalleeUID].(string)
	calleeUID, err := uuid.Parse(calleeRaw)
	if err != nil {
		return nil, fmt.Errorf("call %s: bad callee uid %q: %w", id, calleeRaw, err)
	}

	record := &domain.CallRecord{
		ID:        id,
		CallerUID: callerUID,
		CalleeUID: calleeUID,
		Offer:     parseDescription(doc[fieldOffer]),
		Answer:    parseDescription(doc[fieldAnswer]),
	}
	if typ, ok := doc[fieldCallType].(string); ok {
		record.CallType = domain.CallType(typ)
	}
	if status, ok := parseStatus(doc); ok {
		record.Status = status
	}
	if created := timeAt(doc, fieldCreatedAt); created != nil {
		record.CreatedAt = *created
	}
	record.RingingAt = timeAt(doc, domain.CallStatusRinging.TimestampField())
	record.AcceptedAt = timeAt(doc, domain.CallStatusAccepted.TimestampField())
	record.DeclinedAt = timeAt(doc, domain.CallStatusDeclined.TimestampField())
	record.EndedAt = timeAt(doc, domain.CallStatusEnded.TimestampField())
	return record, nil
}

func timeAt(doc signaling.Document, key string) *time.Time {
	if key == "" {
		return nil
	}
	if t, ok := doc[key].(time.Time); ok && !t.IsZero() {
		return &t
	}
	return nil
}
