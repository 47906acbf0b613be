package signal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrMissingReceiver = errors.New("signal receiverId is required")
	ErrMissingType     = errors.New("signal type is required")
	ErrUnknownType     = errors.New("unknown signal type")
	ErrMalformedData   = errors.New("malformed signal data")
	ErrBadTimestamp    = errors.New("malformed signal timestamp")
)

// Type is one of the fixed call-negotiation kinds.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
)

// ParseType accepts OFFER/offer, ANSWER/answer and ICE_CANDIDATE/ice-candidate.
func ParseType(raw string) (Type, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(raw)), "_", "-")
	switch Type(normalized) {
	case TypeOffer, TypeAnswer, TypeICECandidate:
		return Type(normalized), nil
	case "":
		return "", ErrMissingType
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
}

// SessionDescription is the payload of OFFER and ANSWER.
type SessionDescription struct {
	SDP  string `json:"sdp"`
	Type string `json:"type,omitempty"`
}

// ICECandidate is the payload of ICE_CANDIDATE.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *int    `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal is a validated call-signaling request. Exactly one of
// Description and Candidate is set when data was supplied.
type Signal struct {
	ReceiverID  string
	Type        Type
	Description *SessionDescription
	Candidate   *ICECandidate
	Timestamp   time.Time
	HasTime     bool
}

type inbound struct {
	ReceiverID string          `json:"receiverId"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  json.RawMessage `json:"timestamp"`
}

// Parse decodes and schema-checks an inbound signal payload.
func Parse(raw []byte) (Signal, error) {
	var in inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}

	if strings.TrimSpace(in.ReceiverID) == "" {
		return Signal{}, ErrMissingReceiver
	}

	kind, err := ParseType(in.Type)
	if err != nil {
		return Signal{}, err
	}

	sig := Signal{ReceiverID: in.ReceiverID, Type: kind}

	if present(in.Data) {
		if err := sig.decodeData(in.Data); err != nil {
			return Signal{}, err
		}
	}

	if present(in.Timestamp) {
		ts, err := parseTimestamp(in.Timestamp)
		if err != nil {
			return Signal{}, err
		}
		sig.Timestamp = ts
		sig.HasTime = true
	}

	return sig, nil
}

func (s *Signal) decodeData(raw json.RawMessage) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	switch s.Type {
	case TypeOffer, TypeAnswer:
		var desc SessionDescription
		if err := dec.Decode(&desc); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedData, err)
		}
		if desc.SDP == "" {
			return fmt.Errorf("%w: sdp is required", ErrMalformedData)
		}
		if desc.Type != "" && !strings.EqualFold(desc.Type, string(s.Type)) {
			return fmt.Errorf("%w: description type %q does not match %s", ErrMalformedData, desc.Type, s.Type)
		}
		s.Description = &desc
	case TypeICECandidate:
		var cand ICECandidate
		if err := dec.Decode(&cand); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedData, err)
		}
		if cand.Candidate == "" {
			return fmt.Errorf("%w: candidate is required", ErrMalformedData)
		}
		s.Candidate = &cand
	}
	return nil
}

// Data returns the typed payload for forwarding, or an empty object.
func (s Signal) Data() any {
	switch {
	case s.Description != nil:
		return s.Description
	case s.Candidate != nil:
		return s.Candidate
	default:
		return struct{}{}
	}
}

// Envelope is the normalized frame delivered to the receiver.
type Envelope struct {
	Type       Type   `json:"type"`
	Data       any    `json:"data"`
	SenderID   string `json:"senderId"`
	ReceiverID string `json:"receiverId"`
	Timestamp  int64  `json:"timestamp"`
}

// Normalize builds the forwarded envelope, stamping now when the signal
// carried no timestamp.
func (s Signal) Normalize(senderID string, now time.Time) Envelope {
	ts := now
	if s.HasTime {
		ts = s.Timestamp
	}
	return Envelope{
		Type:       s.Type,
		Data:       s.Data(),
		SenderID:   senderID,
		ReceiverID: s.ReceiverID,
		Timestamp:  ts.UnixMilli(),
	}
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// parseTimestamp accepts epoch milliseconds or an RFC3339 string.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var millis int64
	if err := json.Unmarshal(raw, &millis); err == nil {
		return time.UnixMilli(millis).UTC(), nil
	}

	var text string
	if err := json.Unmarshal(raw, &text); err != nil {
		return time.Time{}, ErrBadTimestamp
	}
	ts, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrBadTimestamp, err)
	}
	return ts.UTC(), nil
}
