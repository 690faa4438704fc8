// Package signal carries call signaling messages between identities.
//
// A Channel is fire-and-forget: delivery is at-most-once, ordering to a single
// target is best-effort, and duplicates may arrive. Everything above this
// package must tolerate loss, reordering and repetition.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Type discriminates the payload of a Message.
type Type string

const (
	TypeOffer        Type = "offer"
	TypeAnswer       Type = "answer"
	TypeICECandidate Type = "ice-candidate"
	TypeDecline      Type = "decline"
	TypeEndCall      Type = "end-call"
)

// Valid reports whether t is one of the known message kinds.
func (t Type) Valid() bool {
	switch t {
	case TypeOffer, TypeAnswer, TypeICECandidate, TypeDecline, TypeEndCall:
		return true
	}
	return false
}

// Terminal reports whether the message ends a call.
func (t Type) Terminal() bool {
	return t == TypeDecline || t == TypeEndCall
}

// SessionDescription is the SDP half of an offer/answer exchange.
type SessionDescription struct {
	Type string `json:"type"` // "offer" | "answer"
	SDP  string `json:"sdp"`
}

// ICECandidate is the RTCIceCandidateInit shape (W3C WebRTC).
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key identifies a candidate for duplicate detection.
func (c ICECandidate) Key() string {
	var b strings.Builder
	b.WriteString(c.Candidate)
	b.WriteByte('|')
	if c.SDPMid != nil {
		b.WriteString(*c.SDPMid)
	}
	b.WriteByte('|')
	if c.SDPMLineIndex != nil {
		b.WriteString(strconv.Itoa(int(*c.SDPMLineIndex)))
	}
	return b.String()
}

// Message is the signaling payload exchanged between peers.
//
// ID and CallID are optional on the wire. ID lets transports drop
// duplicates; CallID correlates a message with one call attempt.
type Message struct {
	Type        Type                `json:"type"`
	From        string              `json:"from"`
	ID          string              `json:"id,omitempty"`
	CallID      string              `json:"callId,omitempty"`
	Offer       *SessionDescription `json:"offer,omitempty"`
	Answer      *SessionDescription `json:"answer,omitempty"`
	Candidate   *ICECandidate       `json:"candidate,omitempty"`
	IsVideoCall bool                `json:"isVideoCall,omitempty"`
}

var (
	ErrInvalidMessage = errors.New("signal: invalid message")
	ErrUnknownTarget  = errors.New("signal: unknown target")
	ErrClosed         = errors.New("signal: channel closed")
)

// Validate checks the kind-specific payload requirements.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if strings.TrimSpace(m.From) == "" {
		return fmt.Errorf("%w: missing from", ErrInvalidMessage)
	}
	switch m.Type {
	case TypeOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%w: offer without description", ErrInvalidMessage)
		}
		if m.Offer.Type != "offer" {
			return fmt.Errorf("%w: offer carries description type %q", ErrInvalidMessage, m.Offer.Type)
		}
	case TypeAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%w: answer without description", ErrInvalidMessage)
		}
		if m.Answer.Type != "answer" {
			return fmt.Errorf("%w: answer carries description type %q", ErrInvalidMessage, m.Answer.Type)
		}
	case TypeICECandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%w: ice-candidate without candidate", ErrInvalidMessage)
		}
	}
	return nil
}

// Decode parses and validates one wire message.
func Decode(b []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(b, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode marshals m, assigning an ID first if it has none.
func Encode(m *Message) ([]byte, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return json.Marshal(m)
}

func newMessage(t Type, from, callID string) Message {
	return Message{Type: t, From: from, ID: uuid.NewString(), CallID: callID}
}

// NewOffer builds an offer message.
func NewOffer(from, callID string, desc SessionDescription, video bool) Message {
	m := newMessage(TypeOffer, from, callID)
	m.Offer = &desc
	m.IsVideoCall = video
	return m
}

// NewAnswer builds an answer message.
func NewAnswer(from, callID string, desc SessionDescription) Message {
	m := newMessage(TypeAnswer, from, callID)
	m.Answer = &desc
	return m
}

// NewCandidate builds a trickle ICE message.
func NewCandidate(from, callID string, c ICECandidate) Message {
	m := newMessage(TypeICECandidate, from, callID)
	m.Candidate = &c
	return m
}

// NewDecline builds a decline message.
func NewDecline(from, callID string) Message {
	return newMessage(TypeDecline, from, callID)
}

// NewEndCall builds an end-call message.
func NewEndCall(from, callID string) Message {
	return newMessage(TypeEndCall, from, callID)
}
