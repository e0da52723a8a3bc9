package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envConfigPath    = "RELAY_CONFIG"
	envSlackAppToken = "SLACK_APP_TOKEN"
	envSlackBotToken = "SLACK_BOT_TOKEN"
	envWebhookURL    = "N8N_WEBHOOK_URL"
	envPrefix        = "RELAY"

	appTokenPrefix = "xapp-"
	botTokenPrefix = "xoxb-"
)

// ErrMissingRequired is returned by Validate when a required value is absent.
var ErrMissingRequired = errors.New("missing required configuration")

// Config is the root runtime configuration.
type Config struct {
	Slack      SlackConfig      `mapstructure:"slack"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Relay      RelayConfig      `mapstructure:"relay"`
	Directory  DirectoryConfig  `mapstructure:"directory"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Status     StatusConfig     `mapstructure:"status"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// LoggingConfig controls structured log output format and verbosity.
type LoggingConfig struct {
	Format    string `mapstructure:"format"`
	Level     string `mapstructure:"level"`
	AddSource bool   `mapstructure:"add_source"`
}

// SlackConfig holds the two upstream credentials.
//
// AppToken opens Socket Mode sessions; BotToken authorizes Web API lookups.
type SlackConfig struct {
	AppToken string `mapstructure:"app_token"`
	BotToken string `mapstructure:"bot_token"`
	APIURL   string `mapstructure:"api_url"`
}

// WebhookConfig configures the single downstream delivery endpoint.
type WebhookConfig struct {
	URL            string        `mapstructure:"url"`
	AttemptTimeout time.Duration `mapstructure:"attempt_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	MaxInFlight    int           `mapstructure:"max_in_flight"`
	QueueSize      int           `mapstructure:"queue_size"`
}

// RelayConfig configures the dispatcher stage between the session and the sink.
type RelayConfig struct {
	Workers           int           `mapstructure:"workers"`
	QueueSize         int           `mapstructure:"queue_size"`
	ForwardUnknown    bool          `mapstructure:"forward_unknown"`
	IgnoreBotMessages bool          `mapstructure:"ignore_bot_messages"`
	ShutdownGrace     time.Duration `mapstructure:"shutdown_grace"`
}

// DirectoryConfig configures user/channel metadata resolution.
type DirectoryConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	NegativeTTL   time.Duration `mapstructure:"negative_ttl"`
	Size          int           `mapstructure:"size"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	RedisURL      string        `mapstructure:"redis_url"`
}

// SupervisorConfig configures the upstream session reconnect policy.
type SupervisorConfig struct {
	BaseDelay       time.Duration `mapstructure:"base_delay"`
	MaxDelay        time.Duration `mapstructure:"max_delay"`
	ResetAfter      time.Duration `mapstructure:"reset_after"`
	MaxAuthFailures int           `mapstructure:"max_auth_failures"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	DedupWindow     time.Duration `mapstructure:"dedup_window"`
	DedupSize       int           `mapstructure:"dedup_size"`
}

// StatusConfig configures the health/readiness/metrics HTTP server.
type StatusConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// Load resolves an optional config file, layers environment variables on top, and
// applies defaults. It does not validate; callers run Validate before starting.
//
// Path precedence is the explicit argument, then RELAY_CONFIG. With neither set
// the configuration comes from the environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindings := map[string][]string{
		"slack.app_token": {envSlackAppToken, envPrefix + "_SLACK_APP_TOKEN"},
		"slack.bot_token": {envSlackBotToken, envPrefix + "_SLACK_BOT_TOKEN"},
		"webhook.url":     {envWebhookURL, envPrefix + "_WEBHOOK_URL"},
	}
	for key, envs := range bindings {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if path = strings.TrimSpace(path); path == "" {
		path = strings.TrimSpace(os.Getenv(envConfigPath))
	}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			return nil, fmt.Errorf("config path does not point to a file: %s", path)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Slack.AppToken = strings.TrimSpace(cfg.Slack.AppToken)
	cfg.Slack.BotToken = strings.TrimSpace(cfg.Slack.BotToken)
	cfg.Webhook.URL = strings.TrimSpace(cfg.Webhook.URL)

	return &cfg, nil
}

// setDefaults registers every key. Viper only unmarshals environment values for
// keys it already knows, so optional keys get an explicit zero default.
func setDefaults(v *viper.Viper) {
	v.SetDefault("slack.api_url", "")
	v.SetDefault("webhook.attempt_timeout", 30*time.Second)
	v.SetDefault("webhook.max_attempts", 3)
	v.SetDefault("webhook.initial_backoff", 500*time.Millisecond)
	v.SetDefault("webhook.max_backoff", 10*time.Second)
	v.SetDefault("webhook.max_in_flight", 8)
	v.SetDefault("webhook.queue_size", 256)

	v.SetDefault("relay.workers", 4)
	v.SetDefault("relay.queue_size", 1024)
	v.SetDefault("relay.forward_unknown", true)
	v.SetDefault("relay.ignore_bot_messages", true)
	v.SetDefault("relay.shutdown_grace", 10*time.Second)

	v.SetDefault("directory.ttl", 10*time.Minute)
	v.SetDefault("directory.negative_ttl", time.Minute)
	v.SetDefault("directory.size", 4096)
	v.SetDefault("directory.lookup_timeout", 3*time.Second)
	v.SetDefault("directory.max_concurrent", 8)
	v.SetDefault("directory.redis_url", "")

	v.SetDefault("supervisor.base_delay", time.Second)
	v.SetDefault("supervisor.max_delay", 30*time.Second)
	v.SetDefault("supervisor.reset_after", time.Minute)
	v.SetDefault("supervisor.max_auth_failures", 3)
	v.SetDefault("supervisor.read_timeout", 2*time.Minute)
	v.SetDefault("supervisor.dedup_window", 10*time.Minute)
	v.SetDefault("supervisor.dedup_size", 8192)

	v.SetDefault("status.enabled", true)
	v.SetDefault("status.host", "0.0.0.0")
	v.SetDefault("status.port", 18790)

	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.add_source", false)
}

// Validate reports every missing required value in a single error, followed by
// shape checks on the values that are present.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}

	var missing []string
	if c.Slack.AppToken == "" {
		missing = append(missing, "slack.app_token ("+envSlackAppToken+")")
	}
	if c.Slack.BotToken == "" {
		missing = append(missing, "slack.bot_token ("+envSlackBotToken+")")
	}
	if c.Webhook.URL == "" {
		missing = append(missing, "webhook.url ("+envWebhookURL+")")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	if !strings.HasPrefix(c.Slack.AppToken, appTokenPrefix) {
		return fmt.Errorf("slack.app_token must be an app-level token (%s...)", appTokenPrefix)
	}
	if !strings.HasPrefix(c.Slack.BotToken, botTokenPrefix) {
		return fmt.Errorf("slack.bot_token must be a bot token (%s...)", botTokenPrefix)
	}

	target, err := url.Parse(c.Webhook.URL)
	if err != nil {
		return fmt.Errorf("webhook.url is invalid: %w", err)
	}
	if (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return fmt.Errorf("webhook.url must be an absolute http(s) URL, got %q", c.Webhook.URL)
	}

	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("webhook.max_attempts must be at least 1, got %d", c.Webhook.MaxAttempts)
	}
	if c.Webhook.MaxInFlight < 1 {
		return fmt.Errorf("webhook.max_in_flight must be at least 1, got %d", c.Webhook.MaxInFlight)
	}
	if c.Webhook.QueueSize < 1 {
		return fmt.Errorf("webhook.queue_size must be at least 1, got %d", c.Webhook.QueueSize)
	}
	if c.Relay.Workers < 1 {
		return fmt.Errorf("relay.workers must be at least 1, got %d", c.Relay.Workers)
	}
	if c.Relay.QueueSize < 1 {
		return fmt.Errorf("relay.queue_size must be at least 1, got %d", c.Relay.QueueSize)
	}
	if c.Directory.MaxConcurrent < 1 {
		return fmt.Errorf("directory.max_concurrent must be at least 1, got %d", c.Directory.MaxConcurrent)
	}
	if c.Supervisor.MaxAuthFailures < 1 {
		return fmt.Errorf("supervisor.max_auth_failures must be at least 1, got %d", c.Supervisor.MaxAuthFailures)
	}
	if c.Status.Enabled && (c.Status.Port < 1 || c.Status.Port > 65535) {
		return fmt.Errorf("status.port must be between 1 and 65535, got %d", c.Status.Port)
	}

	return nil
}
