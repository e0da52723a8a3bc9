package slack

import (
	"fmt"

	"slackrelay/pkg/event"
	"slackrelay/pkg/jsoncodec"
)

const (
	frameHello      = "hello"
	frameDisconnect = "disconnect"
)

// frame is one Socket Mode message.
type frame struct {
	Type         string         `json:"type"`
	EnvelopeID   string         `json:"envelope_id"`
	Payload      map[string]any `json:"payload"`
	RetryAttempt int            `json:"retry_attempt"`
	RetryReason  string         `json:"retry_reason"`
	Reason       string         `json:"reason"`
}

type ack struct {
	EnvelopeID string `json:"envelope_id"`
}

func parseFrame(data []byte) (frame, error) {
	var f frame
	if err := jsoncodec.Unmarshal(data, &f); err != nil {
		return frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return frame{}, fmt.Errorf("frame has no type")
	}
	return f, nil
}

func dispatchable(frameType string) bool {
	switch frameType {
	case event.FrameEventsAPI, event.FrameSlashCommands, event.FrameInteractive:
		return true
	default:
		return false
	}
}

// dedupKeys returns the identities a frame is deduplicated under: its
// envelope id and, for Events API frames, the event id Slack keeps across
// redeliveries.
func (f frame) dedupKeys() []string {
	keys := []string{"envelope:" + f.EnvelopeID}
	if f.Type == event.FrameEventsAPI {
		if id := event.Fields(f.Payload).String("event_id"); id != "" {
			keys = append(keys, "event:"+id)
		}
	}
	return keys
}
