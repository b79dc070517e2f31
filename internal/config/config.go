// Package config loads the hub and edge YAML configuration files and
// validates them up front. Validation is aggregate: every violated rule is
// reported in one error so operators fix a file in a single pass.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	ServerID int    `yaml:"server_id"`
	Name     string `yaml:"name"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`

	ControlPort int `yaml:"controlPort"`
	VoicePort   int `yaml:"voicePort"`

	Timeout  Duration `yaml:"timeout"`
	MaxUsers int      `yaml:"maxUsers"`

	MaxUsersPerChannel  int `yaml:"maxUsersPerChannel"`
	ChannelNestingLimit int `yaml:"channelNestingLimit"`
	ChannelCountLimit   int `yaml:"channelCountLimit"`

	Bandwidth          int `yaml:"bandwidth"`
	TextMessageLength  int `yaml:"textMessageLength"`
	ImageMessageLength int `yaml:"imageMessageLength"`

	MessageLimit       int `yaml:"messageLimit"`
	MessageBurst       int `yaml:"messageBurst"`
	PluginMessageLimit int `yaml:"pluginMessageLimit"`
	PluginMessageBurst int `yaml:"pluginMessageBurst"`

	KDFIterations int `yaml:"kdfIterations"`

	AllowHTML        bool   `yaml:"allowHTML"`
	UsernameRegex    string `yaml:"usernameRegex"`
	ChannelNameRegex string `yaml:"channelNameRegex"`

	DefaultChannel  uint32 `yaml:"defaultChannel"`
	RememberChannel bool   `yaml:"rememberChannel"`

	ListenersPerChannel int `yaml:"listenersPerChannel"`
	ListenersPerUser    int `yaml:"listenersPerUser"`

	AllowRecording bool `yaml:"allowRecording"`
	SendVersion    bool `yaml:"sendVersion"`
	AllowPing      bool `yaml:"allowPing"`
	LogDays        int  `yaml:"logDays"`

	WelcomeText string `yaml:"welcomeText"`

	AutoBan  AutoBanConfig  `yaml:"autoBan"`
	Suggest  SuggestConfig  `yaml:"suggest"`
	TLS      TLSConfig      `yaml:"tls"`
	Registry RegistryConfig `yaml:"registry"`
	Database DatabaseConfig `yaml:"database"`
	Blob     BlobConfig     `yaml:"blobStore"`
	WebAPI   WebAPIConfig   `yaml:"webApi"`
	Auth     AuthConfig     `yaml:"auth"`
	Redis    RedisConfig    `yaml:"redis"`
	Edge     EdgeConfig     `yaml:"edge"`
}

type AutoBanConfig struct {
	Attempts                 int      `yaml:"attempts"`
	Timeframe                Duration `yaml:"timeframe"`
	Duration                 Duration `yaml:"duration"`
	BanSuccessfulConnections bool     `yaml:"banSuccessfulConnections"`
}

type SuggestConfig struct {
	Version    string `yaml:"version"`
	Positional *bool  `yaml:"positional"`
	PushToTalk *bool  `yaml:"pushToTalk"`
}

type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	RejectUnauthorized bool   `yaml:"rejectUnauthorized"`
}

type RegistryConfig struct {
	HeartbeatInterval Duration `yaml:"heartbeatInterval"`
	Timeout           Duration `yaml:"timeout"`
	MaxEdges          int      `yaml:"maxEdges"`

	// Offline broadcast cache per edge.
	MaxMessagesPerEdge int      `yaml:"maxMessagesPerEdge"`
	MaxCacheTime       Duration `yaml:"maxCacheTime"`
}

type DatabaseConfig struct {
	// URL is a Postgres connection string. Empty selects the in-memory
	// store, used by tests and single-node setups.
	URL            string   `yaml:"url"`
	Path           string   `yaml:"path"`
	BackupDir      string   `yaml:"backupDir"`
	BackupInterval Duration `yaml:"backupInterval"`
	WALMode        bool     `yaml:"walMode"`
}

type BlobConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	// Backend is "fs" or "redis".
	Backend string `yaml:"backend"`
}

type WebAPIConfig struct {
	Enabled bool     `yaml:"enabled"`
	Port    int      `yaml:"port"`
	CORS    []string `yaml:"cors"`
}

type AuthConfig struct {
	// URL of the external authentication service. Empty accepts everyone
	// as a guest.
	URL                string   `yaml:"url"`
	Timeout            Duration `yaml:"timeout"`
	CacheTTL           Duration `yaml:"cacheTTL"`
	AllowCacheFallback bool     `yaml:"allowCacheFallback"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EdgeConfig holds the edge-only settings.
type EdgeConfig struct {
	EdgeID   string `yaml:"edgeId"`
	Region   string `yaml:"region"`
	Capacity int    `yaml:"capacity"`
	// HubURL is the websocket endpoint of the hub control channel.
	HubURL string `yaml:"hubUrl"`
}

// Duration wraps time.Duration with YAML support for "30s" style values and
// bare integers meaning seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw interface{}
	if err := unmarshal(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v) * time.Second)
		return nil
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
		return nil
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("config: invalid duration value %v", raw)
	}
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Default returns the configuration with every documented default applied.
func Default() *Config {
	return &Config{
		Port:                64738,
		ControlPort:         8443,
		Timeout:             Duration(30 * time.Second),
		MaxUsers:            1000,
		ChannelNestingLimit: 10,
		ChannelCountLimit:   1000,
		Bandwidth:           558000,
		TextMessageLength:   5000,
		ImageMessageLength:  131072,
		MessageLimit:        1,
		MessageBurst:        5,
		PluginMessageLimit:  4,
		PluginMessageBurst:  15,
		KDFIterations:       -1,
		AllowHTML:           true,
		RememberChannel:     true,
		AllowRecording:      true,
		SendVersion:         true,
		AllowPing:           true,
		LogDays:             31,
		AutoBan: AutoBanConfig{
			Attempts:                 10,
			Timeframe:                Duration(120 * time.Second),
			Duration:                 Duration(300 * time.Second),
			BanSuccessfulConnections: true,
		},
		Registry: RegistryConfig{
			HeartbeatInterval:  Duration(30 * time.Second),
			Timeout:            Duration(90 * time.Second),
			MaxEdges:           64,
			MaxMessagesPerEdge: 4096,
			MaxCacheTime:       Duration(5 * time.Minute),
		},
		Auth: AuthConfig{
			Timeout:  Duration(5 * time.Second),
			CacheTTL: Duration(10 * time.Minute),
		},
		Blob: BlobConfig{Backend: "fs"},
	}
}

// Load reads path and overlays it on the defaults.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every rule and reports all violations at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	if c.Name == "" {
		add("name is required")
	}
	if c.Host == "" {
		add("host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		add("port must be in [1, 65535], got %d", c.Port)
	}
	if c.ControlPort < 1 || c.ControlPort > 65535 {
		add("controlPort must be in [1, 65535], got %d", c.ControlPort)
	}
	if c.VoicePort != 0 && (c.VoicePort < 1 || c.VoicePort > 65535) {
		add("voicePort must be in [1, 65535], got %d", c.VoicePort)
	}
	if c.MaxUsers < 1 {
		add("maxUsers must be positive, got %d", c.MaxUsers)
	}
	if c.MaxUsersPerChannel < 0 {
		add("maxUsersPerChannel must not be negative, got %d", c.MaxUsersPerChannel)
	}
	if c.ChannelNestingLimit < 1 {
		add("channelNestingLimit must be positive, got %d", c.ChannelNestingLimit)
	}
	if c.ChannelCountLimit < 1 {
		add("channelCountLimit must be positive, got %d", c.ChannelCountLimit)
	}
	if c.Bandwidth < 1 {
		add("bandwidth must be positive, got %d", c.Bandwidth)
	}
	if c.TextMessageLength < 0 {
		add("textMessageLength must not be negative, got %d", c.TextMessageLength)
	}
	if c.ImageMessageLength < 0 {
		add("imageMessageLength must not be negative, got %d", c.ImageMessageLength)
	}
	if c.MessageLimit < 0 || c.MessageBurst < 0 {
		add("messageLimit and messageBurst must not be negative")
	}
	if c.UsernameRegex != "" {
		if _, err := regexp.Compile(c.UsernameRegex); err != nil {
			add("usernameRegex does not compile: %v", err)
		}
	}
	if c.ChannelNameRegex != "" {
		if _, err := regexp.Compile(c.ChannelNameRegex); err != nil {
			add("channelNameRegex does not compile: %v", err)
		}
	}
	if c.TLS.Cert == "" || c.TLS.Key == "" {
		add("tls.cert and tls.key are required")
	}
	if c.Registry.HeartbeatInterval.Std() <= 0 {
		add("registry.heartbeatInterval must be positive")
	}
	if c.Registry.Timeout.Std() <= c.Registry.HeartbeatInterval.Std() {
		add("registry.timeout must exceed registry.heartbeatInterval")
	}
	if c.Registry.MaxEdges < 1 {
		add("registry.maxEdges must be positive, got %d", c.Registry.MaxEdges)
	}
	if c.Blob.Enabled {
		switch c.Blob.Backend {
		case "fs":
			if c.Blob.Path == "" {
				add("blobStore.path is required for the fs backend")
			}
		case "redis":
			if c.Redis.Addr == "" {
				add("blobStore backend redis requires redis.addr")
			}
		default:
			add("blobStore.backend must be fs or redis, got %q", c.Blob.Backend)
		}
	}
	if c.WebAPI.Enabled && (c.WebAPI.Port < 1 || c.WebAPI.Port > 65535) {
		add("webApi.port must be in [1, 65535], got %d", c.WebAPI.Port)
	}
	if c.Auth.URL != "" && c.Auth.Timeout.Std() <= 0 {
		add("auth.timeout must be positive when auth.url is set")
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("config: %d error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
}

// ValidateEdge adds the edge-only requirements on top of Validate.
func (c *Config) ValidateEdge() error {
	base := c.Validate()
	var errs []string
	if c.Edge.EdgeID == "" {
		errs = append(errs, "edge.edgeId is required")
	}
	if c.Edge.HubURL == "" {
		errs = append(errs, "edge.hubUrl is required")
	}
	if c.Edge.Capacity < 0 {
		errs = append(errs, fmt.Sprintf("edge.capacity must not be negative, got %d", c.Edge.Capacity))
	}
	if len(errs) == 0 {
		return base
	}
	msg := fmt.Sprintf("config: %d edge error(s):\n  - %s", len(errs), strings.Join(errs, "\n  - "))
	if base != nil {
		return fmt.Errorf("%v\n%s", base, msg)
	}
	return fmt.Errorf("%s", msg)
}
