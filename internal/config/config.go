package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
	Notify  NotifyConfig  `mapstructure:"notify"`
}

// ClientConfig drives the streamer side: connection, batching and
// destination discovery.
type ClientConfig struct {
	URL               string             `mapstructure:"url"`
	Identity          string             `mapstructure:"identity"`
	Credential        string             `mapstructure:"credential"`
	ClientType        string             `mapstructure:"client_type"`
	TimeZone          string             `mapstructure:"time_zone"`
	AutoReconnect     bool               `mapstructure:"auto_reconnect"`
	DialTimeout       time.Duration      `mapstructure:"dial_timeout"`
	SendBuffer        int                `mapstructure:"send_buffer"`
	MessagesPerSecond float64            `mapstructure:"messages_per_second"`
	HistorySize       int                `mapstructure:"history_size"`
	Reconnect         ReconnectConfig    `mapstructure:"reconnect"`
	Batch             BatchConfig        `mapstructure:"batch"`
	Destinations      DestinationsConfig `mapstructure:"destinations"`
}

type ReconnectConfig struct {
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type BatchConfig struct {
	SizeThreshold int           `mapstructure:"size_threshold"`
	TimeThreshold time.Duration `mapstructure:"time_threshold"`
}

// DestinationsConfig lists static destinations, or points at a resolver
// service when ResolverURL is set.
type DestinationsConfig struct {
	Friends         bool          `mapstructure:"friends"`
	Groups          []string      `mapstructure:"groups"`
	ResolverURL     string        `mapstructure:"resolver_url"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RatePerSecond   int           `mapstructure:"rate_per_second"`
	RetryCount      int           `mapstructure:"retry_count"`
	RetryDelay      time.Duration `mapstructure:"retry_delay"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// ServerConfig drives the relay.
type ServerConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	HTTPRateLimit     int           `mapstructure:"http_rate_limit"`
	HTTPRateWindow    time.Duration `mapstructure:"http_rate_window"`
	MessageRateLimit  int           `mapstructure:"message_rate_limit"`
	MessageRateWindow time.Duration `mapstructure:"message_rate_window"`
	KeepaliveInterval time.Duration `mapstructure:"keepalive_interval"`
	MaxMessageSize    int64         `mapstructure:"max_message_size"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`

	// TrustedProxies lists proxy addresses or CIDRs whose forwarding
	// headers are honored. Empty means the peer address is always used.
	TrustedProxies []string `mapstructure:"trusted_proxies"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

// NotifyConfig configures ntfy alerts for terminal connection failures.
type NotifyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Server   string `mapstructure:"server"`
	Topic    string `mapstructure:"topic"`
	Priority string `mapstructure:"priority"`
	Tags     string `mapstructure:"tags"`
	Token    string `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.url", "ws://localhost:8080/ws")
	v.SetDefault("client.identity", "")
	v.SetDefault("client.credential", "")
	v.SetDefault("client.client_type", "desktop")
	v.SetDefault("client.time_zone", "UTC")
	v.SetDefault("client.auto_reconnect", true)
	v.SetDefault("client.dial_timeout", 10*time.Second)
	v.SetDefault("client.send_buffer", 256)
	v.SetDefault("client.messages_per_second", 2.0)
	v.SetDefault("client.history_size", 200)
	v.SetDefault("client.reconnect.base_delay", time.Second)
	v.SetDefault("client.reconnect.max_delay", 30*time.Second)
	v.SetDefault("client.reconnect.multiplier", 2.0)
	v.SetDefault("client.reconnect.max_attempts", 5)
	v.SetDefault("client.batch.size_threshold", 8)
	v.SetDefault("client.batch.time_threshold", 2500*time.Millisecond)
	v.SetDefault("client.destinations.friends", true)
	v.SetDefault("client.destinations.groups", []string{})
	v.SetDefault("client.destinations.resolver_url", "")
	v.SetDefault("client.destinations.refresh_interval", 30*time.Second)
	v.SetDefault("client.destinations.rate_per_second", 2)
	v.SetDefault("client.destinations.retry_count", 3)
	v.SetDefault("client.destinations.retry_delay", time.Second)
	v.SetDefault("client.destinations.timeout", 10*time.Second)

	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.jwt_secret", "")
	v.SetDefault("server.http_rate_limit", 30)
	v.SetDefault("server.http_rate_window", 60*time.Second)
	v.SetDefault("server.message_rate_limit", 120)
	v.SetDefault("server.message_rate_window", 60*time.Second)
	v.SetDefault("server.keepalive_interval", 25*time.Second)
	v.SetDefault("server.max_message_size", 512*1024)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.trusted_proxies", []string{})

	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")

	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.topic", "")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "satellite")
	v.SetDefault("notify.token", "")
}

func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Environment variable support
	v.SetEnvPrefix("LOGRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Short names for the secrets
	_ = v.BindEnv("server.jwt_secret", "LOGRELAY_JWT_SECRET", "LOGRELAY_SERVER_JWT_SECRET")
	_ = v.BindEnv("client.credential", "LOGRELAY_CREDENTIAL", "LOGRELAY_CLIENT_CREDENTIAL")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("logrelay")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	b := c.Client.Batch
	if b.SizeThreshold < 1 {
		return fmt.Errorf("client.batch.size_threshold must be >= 1")
	}
	if b.TimeThreshold <= 0 {
		return fmt.Errorf("client.batch.time_threshold must be positive")
	}

	r := c.Client.Reconnect
	if r.BaseDelay <= 0 {
		return fmt.Errorf("client.reconnect.base_delay must be positive")
	}
	if r.MaxDelay < r.BaseDelay {
		return fmt.Errorf("client.reconnect.max_delay must be >= base_delay")
	}
	if r.Multiplier < 1 {
		return fmt.Errorf("client.reconnect.multiplier must be >= 1")
	}
	if r.MaxAttempts < 0 {
		return fmt.Errorf("client.reconnect.max_attempts must be >= 0")
	}
	if c.Client.SendBuffer < 1 {
		return fmt.Errorf("client.send_buffer must be >= 1")
	}
	if c.Client.HistorySize < 0 {
		return fmt.Errorf("client.history_size must be >= 0")
	}

	if c.Server.HTTPRateLimit < 1 || c.Server.MessageRateLimit < 1 {
		return fmt.Errorf("server rate limits must be >= 1")
	}
	if c.Server.HTTPRateWindow <= 0 || c.Server.MessageRateWindow <= 0 {
		return fmt.Errorf("server rate windows must be positive")
	}

	return c.Notify.Validate()
}

// ValidateClient checks the settings the streamer needs to connect.
func (c *Config) ValidateClient() error {
	u, err := url.Parse(c.Client.URL)
	if err != nil {
		return fmt.Errorf("client.url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("client.url must use ws or wss, got %q", c.Client.URL)
	}
	if c.Client.Identity == "" {
		return fmt.Errorf("client.identity is required (set LOGRELAY_CLIENT_IDENTITY)")
	}
	return nil
}

// Validate checks notification configuration is valid when enabled.
func (c *NotifyConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.Topic == "" {
		return fmt.Errorf("notify.topic is required when notify.enabled=true")
	}

	validPriorities := map[string]bool{
		"min": true, "low": true, "default": true, "high": true, "urgent": true,
	}
	if !validPriorities[c.Priority] {
		return fmt.Errorf("invalid notify.priority: %s (valid: min, low, default, high, urgent)", c.Priority)
	}

	return nil
}
