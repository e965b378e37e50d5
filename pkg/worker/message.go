package worker

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrUnknownMessage is returned for a message type the worker does not handle
	ErrUnknownMessage = errors.New("unknown message type")

	// ErrMalformedMessage is returned for a message that cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")
)

// MessageType identifies a control message.
type MessageType string

const (
	// MessageSkipWaiting activates an installed worker immediately
	MessageSkipWaiting MessageType = "SKIP_WAITING"

	// MessageClearCache deletes the partition named by the payload
	MessageClearCache MessageType = "CLEAR_CACHE"
)

// Message is a control message sent to the worker.
type Message struct {
	Type    MessageType `json:"type"`
	Payload string      `json:"payload,omitempty"`
}

// ParseMessage decodes a JSON control message.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

// Validate checks the message type and its payload.
func (m Message) Validate() error {
	switch m.Type {
	case MessageSkipWaiting:
		return nil
	case MessageClearCache:
		if m.Payload == "" {
			return fmt.Errorf("%w: %s requires a partition name", ErrMalformedMessage, m.Type)
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
}
