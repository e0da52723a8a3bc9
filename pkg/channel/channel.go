package channel

import (
	"context"

	"slackrelay/pkg/event"
)

// Handler accepts one raw upstream event. It must return quickly; work is
// queued, not performed, in the handler.
type Handler func(context.Context, event.RawEvent)

// Adapter holds one upstream session (for example Slack Socket Mode) and feeds
// its events to a Handler until ctx ends or a fatal error occurs.
type Adapter interface {
	Name() string
	Run(context.Context, Handler) error
}
