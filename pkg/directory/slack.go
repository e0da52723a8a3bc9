package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"slackrelay/pkg/logger"
)

const defaultRateLimitRetries = 2

// slackAPI is the part of *slack.Client the directory uses.
type slackAPI interface {
	GetUserInfoContext(ctx context.Context, user string) (*slack.User, error)
	GetConversationInfoContext(ctx context.Context, input *slack.GetConversationInfoInput) (*slack.Channel, error)
}

// SlackService resolves users and channels with users.info and
// conversations.info.
type SlackService struct {
	api        slackAPI
	maxRetries int
	log        *slog.Logger
}

// NewSlackService wraps a configured bot-token client.
func NewSlackService(client *slack.Client, log *slog.Logger) *SlackService {
	return newSlackService(client, log)
}

func newSlackService(api slackAPI, log *slog.Logger) *SlackService {
	if log == nil {
		log = logger.Discard()
	}

	return &SlackService{
		api:        api,
		maxRetries: defaultRateLimitRetries,
		log:        log.With("component", "directory.slack"),
	}
}

func (s *SlackService) Lookup(ctx context.Context, kind Kind, id string) (Entry, error) {
	switch kind {
	case KindUser:
		return s.lookupUser(ctx, id)
	case KindChannel:
		return s.lookupChannel(ctx, id)
	default:
		return Entry{}, fmt.Errorf("unsupported directory kind %q", kind)
	}
}

func (s *SlackService) lookupUser(ctx context.Context, id string) (Entry, error) {
	var user *slack.User
	err := s.call(ctx, "users.info", func() error {
		var err error
		user, err = s.api.GetUserInfoContext(ctx, id)
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	name := strings.TrimSpace(user.RealName)
	if name == "" {
		name = strings.TrimSpace(user.Profile.RealName)
	}
	if name == "" {
		name = user.Name
	}

	return Entry{ID: id, Kind: KindUser, DisplayName: name, Email: user.Profile.Email}, nil
}

func (s *SlackService) lookupChannel(ctx context.Context, id string) (Entry, error) {
	var channel *slack.Channel
	err := s.call(ctx, "conversations.info", func() error {
		var err error
		channel, err = s.api.GetConversationInfoContext(ctx, &slack.GetConversationInfoInput{ChannelID: id})
		return err
	})
	if err != nil {
		return Entry{}, err
	}

	return Entry{ID: id, Kind: KindChannel, DisplayName: channel.Name}, nil
}

// call runs fn, waiting out rate limits while the wait fits in ctx.
func (s *SlackService) call(ctx context.Context, method string, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		if isNotFound(err) {
			return fmt.Errorf("%s: %w: %v", method, ErrNotFound, err)
		}

		var limited *slack.RateLimitedError
		if !errors.As(err, &limited) || attempt >= s.maxRetries {
			return fmt.Errorf("%s: %w", method, err)
		}

		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < limited.RetryAfter {
			return fmt.Errorf("%s: %w", method, err)
		}

		s.log.Debug("Directory rate limited", "method", method, "retry_after", limited.RetryAfter)

		timer := time.NewTimer(limited.RetryAfter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w", method, ctx.Err())
		case <-timer.C:
		}
	}
}

func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not_found") || strings.Contains(msg, "user_not_visible")
}
