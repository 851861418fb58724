package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

type MessageType string

const (
	MessageTypeJoin         MessageType = "join"
	MessageTypeIdentify     MessageType = "identify"
	MessageTypeUserJoined   MessageType = "user-joined"
	MessageTypeUserLeft     MessageType = "user-left"
	MessageTypeUserUpdate   MessageType = "user-update"
	MessageTypeCamToggle    MessageType = "cam-toggle"
	MessageTypeScreenToggle MessageType = "screen-toggle"
	MessageTypeSignal       MessageType = "signal"

	// messageTypeUpdateUser is the inbound spelling used by older clients for
	// user-update.
	messageTypeUpdateUser MessageType = "update-user"
)

// MaxUserIDBytes bounds client-chosen user ids.
const MaxUserIDBytes = 256

var (
	errMissingType   = errors.New("missing type")
	errMissingTarget = errors.New("missing target")
	errUserIDTooLong = errors.New("userId too long")
	errTargetTooLong = errors.New("target too long")
	errNotJSONObject = errors.New("message is not a JSON object")
)

// SignalMessage is the JSON envelope carried in each WebSocket text frame.
//
// Data is passed through untouched.
type SignalMessage struct {
	Type   MessageType     `json:"type"`
	UserID string          `json:"userId,omitempty"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// ParseSignalMessage decodes and validates one client message. Unknown fields
// are ignored; unknown types are returned as-is for the caller to discard.
func ParseSignalMessage(data []byte) (SignalMessage, error) {
	var msg SignalMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field == "" {
			return SignalMessage{}, errNotJSONObject
		}
		return SignalMessage{}, err
	}
	if err := msg.validate(); err != nil {
		return SignalMessage{}, err
	}
	return msg, nil
}

func (m SignalMessage) validate() error {
	if m.Type == "" {
		return errMissingType
	}
	if len(m.UserID) > MaxUserIDBytes {
		return fmt.Errorf("%w: %d > %d", errUserIDTooLong, len(m.UserID), MaxUserIDBytes)
	}
	if len(m.Target) > MaxUserIDBytes {
		return fmt.Errorf("%w: %d > %d", errTargetTooLong, len(m.Target), MaxUserIDBytes)
	}
	if m.Type.targeted() && m.Target == "" {
		return errMissingTarget
	}
	return nil
}

func (t MessageType) targeted() bool {
	return t == MessageTypeSignal || t == MessageTypeIdentify
}

// broadcastType maps an inbound presence type to the type relayed to the
// rest of the room.
func (t MessageType) broadcastType() (MessageType, bool) {
	switch t {
	case MessageTypeUserUpdate, messageTypeUpdateUser:
		return MessageTypeUserUpdate, true
	case MessageTypeCamToggle, MessageTypeScreenToggle:
		return t, true
	default:
		return "", false
	}
}
