package event

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent marks a payload that cannot be classified at all.
var ErrMalformedEvent = errors.New("malformed event")

// Kind is the relay's classification of an inbound event.
type Kind string

const (
	KindMessage     Kind = "message"
	KindReaction    Kind = "reaction"
	KindMemberJoin  Kind = "member_join"
	KindCommand     Kind = "command"
	KindInteractive Kind = "interactive_action"
	KindUnknown     Kind = "unknown"
)

var eventKinds = map[string]Kind{
	"message":               KindMessage,
	"reaction_added":        KindReaction,
	"member_joined_channel": KindMemberJoin,
}

// Classification is the result of inspecting a raw event's declared type.
type Classification struct {
	Kind Kind
	// Declared is the upstream type string the kind was derived from.
	Declared string
	Body     Fields
}

// Classify maps a raw event onto a Kind. Unrecognized types classify as
// KindUnknown; only payloads without a usable discriminator are errors.
func Classify(raw RawEvent) (Classification, error) {
	if raw.Payload == nil {
		return Classification{}, fmt.Errorf("%w: empty payload", ErrMalformedEvent)
	}

	body := raw.body()
	switch raw.FrameType {
	case FrameEventsAPI:
		if body == nil {
			return Classification{}, fmt.Errorf("%w: events_api payload without event object", ErrMalformedEvent)
		}
		declared := body.String("type")
		if declared == "" {
			return Classification{}, fmt.Errorf("%w: event without type", ErrMalformedEvent)
		}
		kind, ok := eventKinds[declared]
		if !ok {
			kind = KindUnknown
		}
		return Classification{Kind: kind, Declared: declared, Body: body}, nil

	case FrameSlashCommands:
		command := body.String("command")
		if command == "" {
			return Classification{}, fmt.Errorf("%w: slash command without command", ErrMalformedEvent)
		}
		return Classification{Kind: KindCommand, Declared: command, Body: body}, nil

	case FrameInteractive:
		declared := body.String("type")
		if declared == "" {
			return Classification{}, fmt.Errorf("%w: interactive payload without type", ErrMalformedEvent)
		}
		return Classification{Kind: KindInteractive, Declared: declared, Body: body}, nil

	default:
		declared := body.String("type")
		if declared == "" {
			declared = raw.FrameType
		}
		return Classification{Kind: KindUnknown, Declared: declared, Body: body}, nil
	}
}

// FromBot reports whether the event was authored by a bot. Relaying those back
// downstream can loop when the workflow itself posts to Slack.
func (c Classification) FromBot() bool {
	if c.Body == nil {
		return false
	}
	return c.Body.String("bot_id") != "" || c.Body.String("subtype") == "bot_message"
}

// Lookups reports which directory lookups enrich this kind.
func (k Kind) Lookups() (user bool, channel bool) {
	switch k {
	case KindMessage, KindMemberJoin:
		return true, true
	case KindReaction:
		return true, false
	default:
		return false, false
	}
}
