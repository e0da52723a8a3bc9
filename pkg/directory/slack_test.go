package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSlackAPI struct {
	mu        sync.Mutex
	userCalls int
	users     []func() (*slack.User, error)
	channel   *slack.Channel
	chanErr   error
}

func (f *fakeSlackAPI) GetUserInfoContext(_ context.Context, _ string) (*slack.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	idx := f.userCalls
	f.userCalls++
	if idx >= len(f.users) {
		idx = len(f.users) - 1
	}
	return f.users[idx]()
}

func (f *fakeSlackAPI) GetConversationInfoContext(_ context.Context, _ *slack.GetConversationInfoInput) (*slack.Channel, error) {
	return f.channel, f.chanErr
}

func userResponse(user slack.User) func() (*slack.User, error) {
	return func() (*slack.User, error) { return &user, nil }
}

func errResponse(err error) func() (*slack.User, error) {
	return func() (*slack.User, error) { return nil, err }
}

func TestSlackServiceUserDisplayName(t *testing.T) {
	tests := []struct {
		name string
		user slack.User
		want string
	}{
		{name: "real name", user: slack.User{Name: "ann", RealName: "Ann Lee"}, want: "Ann Lee"},
		{name: "profile real name", user: slack.User{Name: "ann", Profile: slack.UserProfile{RealName: "Ann P"}}, want: "Ann P"},
		{name: "handle fallback", user: slack.User{Name: "ann"}, want: "ann"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			service := newSlackService(&fakeSlackAPI{users: []func() (*slack.User, error){userResponse(tt.user)}}, nil)

			entry, err := service.Lookup(context.Background(), KindUser, "U1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, entry.DisplayName)
			assert.Equal(t, KindUser, entry.Kind)
		})
	}
}

func TestSlackServiceUserEmail(t *testing.T) {
	user := slack.User{RealName: "Ann", Profile: slack.UserProfile{Email: "ann@example.com"}}
	service := newSlackService(&fakeSlackAPI{users: []func() (*slack.User, error){userResponse(user)}}, nil)

	entry, err := service.Lookup(context.Background(), KindUser, "U1")
	require.NoError(t, err)
	assert.Equal(t, "ann@example.com", entry.Email)
}

func TestSlackServiceNotFound(t *testing.T) {
	api := &fakeSlackAPI{
		users:   []func() (*slack.User, error){errResponse(slack.SlackErrorResponse{Err: "user_not_found"})},
		chanErr: slack.SlackErrorResponse{Err: "channel_not_found"},
	}
	service := newSlackService(api, nil)

	_, err := service.Lookup(context.Background(), KindUser, "U404")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = service.Lookup(context.Background(), KindChannel, "C404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSlackServiceRetriesRateLimit(t *testing.T) {
	api := &fakeSlackAPI{users: []func() (*slack.User, error){
		errResponse(&slack.RateLimitedError{RetryAfter: 5 * time.Millisecond}),
		userResponse(slack.User{RealName: "Ann"}),
	}}
	service := newSlackService(api, nil)

	entry, err := service.Lookup(context.Background(), KindUser, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", entry.DisplayName)
	assert.Equal(t, 2, api.userCalls)
}

func TestSlackServiceGivesUpOnRateLimit(t *testing.T) {
	limited := &slack.RateLimitedError{RetryAfter: time.Millisecond}
	api := &fakeSlackAPI{users: []func() (*slack.User, error){errResponse(limited)}}
	service := newSlackService(api, nil)

	_, err := service.Lookup(context.Background(), KindUser, "U1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Equal(t, defaultRateLimitRetries+1, api.userCalls)
}

func TestSlackServiceDoesNotWaitPastDeadline(t *testing.T) {
	api := &fakeSlackAPI{users: []func() (*slack.User, error){
		errResponse(&slack.RateLimitedError{RetryAfter: time.Minute}),
	}}
	service := newSlackService(api, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := service.Lookup(ctx, KindUser, "U1")
	require.Error(t, err)

	var limited *slack.RateLimitedError
	assert.True(t, errors.As(err, &limited))
	assert.Less(t, time.Since(start), 40*time.Millisecond)
}

func TestSlackServiceUnsupportedKind(t *testing.T) {
	service := newSlackService(&fakeSlackAPI{}, nil)

	_, err := service.Lookup(context.Background(), Kind("team"), "T1")
	assert.Error(t, err)
}

func TestSlackServiceAgainstWebAPI(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/users.info":
			_, _ = w.Write([]byte(`{"ok":true,"user":{"id":"U1","name":"ann","real_name":"Ann","profile":{"email":"ann@example.com"}}}`))
		case "/conversations.info":
			_, _ = w.Write([]byte(`{"ok":true,"channel":{"id":"C1","name":"general"}}`))
		default:
			_, _ = w.Write([]byte(`{"ok":false,"error":"unknown_method"}`))
		}
	}))
	t.Cleanup(server.Close)

	client := slack.New("xoxb-test", slack.OptionAPIURL(server.URL+"/"))
	service := NewSlackService(client, nil)

	user, err := service.Lookup(context.Background(), KindUser, "U1")
	require.NoError(t, err)
	assert.Equal(t, "Ann", user.DisplayName)
	assert.Equal(t, "ann@example.com", user.Email)

	channel, err := service.Lookup(context.Background(), KindChannel, "C1")
	require.NoError(t, err)
	assert.Equal(t, "general", channel.DisplayName)
}
