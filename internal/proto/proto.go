// Package proto defines the cross-tab call-sync wire format.
package proto

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/thorbis/callsync/internal/state"
)

const (
	// Named broadcast channel used by the primary transport.
	ChannelName = "thorbis-call-sync"

	// Storage key written then removed by the fallback transport.
	FallbackKey = "thorbis-call-sync-fallback"

	// Storage key of the persisted call widget preferences.
	PreferencesKey = "call-preferences-storage"

	// Messages older than this on receipt are never applied.
	StalenessWindow = 5 * time.Second
)

type MessageType string

const (
	TypeCallIncoming   MessageType = "CALL_INCOMING"
	TypeCallAnswered   MessageType = "CALL_ANSWERED"
	TypeCallEnded      MessageType = "CALL_ENDED"
	TypeCallAction     MessageType = "CALL_ACTION"
	TypePositionUpdate MessageType = "POSITION_UPDATE"
	TypeSizeUpdate     MessageType = "SIZE_UPDATE"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeCallIncoming, TypeCallAnswered, TypeCallEnded,
		TypeCallAction, TypePositionUpdate, TypeSizeUpdate:
		return true
	}
	return false
}

type Action string

const (
	ActionMute        Action = "mute"
	ActionUnmute      Action = "unmute"
	ActionHold        Action = "hold"
	ActionUnhold      Action = "unhold"
	ActionRecordStart Action = "record_start"
	ActionRecordStop  Action = "record_stop"
)

func (a Action) Valid() bool {
	switch a {
	case ActionMute, ActionUnmute, ActionHold, ActionUnhold, ActionRecordStart, ActionRecordStop:
		return true
	}
	return false
}

// SyncMessage is the envelope every tab exchanges. Timestamp is the
// sender's clock at send time, in epoch milliseconds.
type SyncMessage struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

type IncomingData struct {
	Caller state.Caller `json:"caller"`
}

type ActionData struct {
	Action Action `json:"action"`
}

type PositionData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type SizeData struct {
	Width float64 `json:"width"`
}

// New builds a message stamped with now. data may be nil.
func New(typ MessageType, now time.Time, data any) (SyncMessage, error) {
	msg := SyncMessage{Type: typ, Timestamp: now.UnixMilli()}
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return SyncMessage{}, fmt.Errorf("encode %s data: %w", typ, err)
		}
		msg.Data = b
	}
	return msg, nil
}

func Encode(msg SyncMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// Decode parses raw and rejects envelopes with an unknown type or no
// timestamp.
func Decode(raw []byte) (SyncMessage, error) {
	var msg SyncMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return SyncMessage{}, fmt.Errorf("decode sync message: %w", err)
	}
	if !msg.Type.Valid() {
		return SyncMessage{}, fmt.Errorf("unknown message type %q", msg.Type)
	}
	if msg.Timestamp <= 0 {
		return SyncMessage{}, errors.New("sync message has no timestamp")
	}
	return msg, nil
}

// DecodeData unmarshals the payload into v.
func (m SyncMessage) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", m.Type, err)
	}
	return nil
}

// Age is how old the message is by the receiver's clock.
func (m SyncMessage) Age(now time.Time) time.Duration {
	return time.Duration(now.UnixMilli()-m.Timestamp) * time.Millisecond
}

// IsStale reports whether the message is strictly older than window.
func IsStale(m SyncMessage, now time.Time, window time.Duration) bool {
	return m.Age(now) > window
}
