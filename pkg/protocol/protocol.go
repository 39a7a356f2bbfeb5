// Package protocol defines the signaling protocol message types exchanged
// between a node and the signaling server over a WebSocket connection.
//
// All messages are JSON-encoded with a "type" discriminator field. This
// package is intentionally free of external dependencies so both the node
// and any lightweight signaling server can share it.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Message is the interface implemented by all signaling protocol messages.
// Each message type corresponds to a JSON object with a "type" discriminator field.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "register", "offer").
	MessageType() string
}

// RegisterMessage is sent by a node to announce its PeerID to the signaling
// server and claim its mailbox.
type RegisterMessage struct {
	ID string `json:"id"`
}

func (RegisterMessage) MessageType() string { return "register" }

// OfferMessage carries an SDP offer from one peer to another.
type OfferMessage struct {
	Sender string `json:"sender"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

func (OfferMessage) MessageType() string { return "offer" }

// AnswerMessage carries an SDP answer from one peer to another.
type AnswerMessage struct {
	Sender string `json:"sender"`
	Target string `json:"target"`
	SDP    string `json:"sdp"`
}

func (AnswerMessage) MessageType() string { return "answer" }

// CandidateMessage carries a trickle ICE candidate from one peer to another.
type CandidateMessage struct {
	Sender    string `json:"sender"`
	Target    string `json:"target"`
	Candidate string `json:"candidate"`
}

func (CandidateMessage) MessageType() string { return "candidate" }

// messageTypes maps wire-format type strings to factory functions
// that produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"register":  func() Message { return &RegisterMessage{} },
	"offer":     func() Message { return &OfferMessage{} },
	"answer":    func() Message { return &AnswerMessage{} },
	"candidate": func() Message { return &CandidateMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	// First, marshal the message to get its fields as raw JSON.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	// First pass: extract the type field.
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %q", env.Type)
	}

	// Second pass: decode into the concrete type.
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
