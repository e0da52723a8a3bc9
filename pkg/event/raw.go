package event

import (
	"math"
	"time"
)

// Socket Mode frame types that carry a dispatchable payload.
const (
	FrameEventsAPI     = "events_api"
	FrameSlashCommands = "slash_commands"
	FrameInteractive   = "interactive"
)

// RawEvent is one inbound payload as received from the upstream session.
// It is owned by the dispatcher for a single processing pass and never retained.
type RawEvent struct {
	// FrameID is the upstream envelope id. It may be empty.
	FrameID      string
	FrameType    string
	Payload      Fields
	RetryAttempt int
	ReceivedAt   time.Time
}

// Fields is a loosely-typed JSON object.
type Fields map[string]any

// String returns the string stored at key, or "" when absent or not a string.
func (f Fields) String(key string) string {
	if f == nil {
		return ""
	}
	value, _ := f[key].(string)
	return value
}

// Map returns the nested object stored at key, or nil.
func (f Fields) Map(key string) Fields {
	if f == nil {
		return nil
	}
	switch value := f[key].(type) {
	case map[string]any:
		return Fields(value)
	case Fields:
		return value
	default:
		return nil
	}
}

// Int64 returns an integral number stored at key. JSON decoding yields float64,
// so fractional values are rejected rather than truncated.
func (f Fields) Int64(key string) (int64, bool) {
	if f == nil {
		return 0, false
	}
	switch value := f[key].(type) {
	case float64:
		if value != math.Trunc(value) {
			return 0, false
		}
		return int64(value), true
	case int64:
		return value, true
	case int:
		return int64(value), true
	default:
		return 0, false
	}
}

// Clone returns a shallow copy.
func (f Fields) Clone() Fields {
	clone := make(Fields, len(f))
	for key, value := range f {
		clone[key] = value
	}
	return clone
}

// body returns the object whose "type" discriminates the event: the inner event
// for Events API frames, the payload itself otherwise.
func (r RawEvent) body() Fields {
	if r.FrameType == FrameEventsAPI {
		return r.Payload.Map("event")
	}
	return r.Payload
}
