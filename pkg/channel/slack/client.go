package slack

import (
	"strings"

	slackapi "github.com/slack-go/slack"

	"slackrelay/pkg/config"
)

// NewClient returns a Web API client carrying both credentials: the bot token
// for lookups and the app-level token for apps.connections.open.
func NewClient(cfg config.SlackConfig) *slackapi.Client {
	options := []slackapi.Option{slackapi.OptionAppLevelToken(cfg.AppToken)}
	if url := strings.TrimSpace(cfg.APIURL); url != "" {
		if !strings.HasSuffix(url, "/") {
			url += "/"
		}
		options = append(options, slackapi.OptionAPIURL(url))
	}

	return slackapi.New(cfg.BotToken, options...)
}
