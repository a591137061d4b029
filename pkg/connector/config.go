// Copyright 2024-2026 Aiku AI

package connector

import (
	_ "embed"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// EnvPrefix prefixes every environment override.
const EnvPrefix = "NAPCAT_BRIDGE_"

// Config holds the bridge configuration.
type Config struct {
	NapCat   NapCatConfig      `yaml:"napcat_server" envPrefix:"NAPCAT_"`
	MaiBot   MaiBotConfig      `yaml:"maibot_server" envPrefix:"MAIBOT_"`
	Database DatabaseConfig    `yaml:"database" envPrefix:"DATABASE_"`
	Bridge   BridgeConfig      `yaml:"bridge" envPrefix:"BRIDGE_"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

// NapCatConfig configures the listener the gateway connects to.
type NapCatConfig struct {
	Host string `yaml:"host" env:"HOST" validate:"required"`
	Port int    `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	// Token, when set, must be presented by the gateway as a bearer token.
	Token string `yaml:"token" env:"TOKEN"`
	// HeartbeatInterval is the assumed heartbeat interval in seconds until
	// the gateway advertises its own.
	HeartbeatInterval int `yaml:"heartbeat_interval" env:"HEARTBEAT_INTERVAL" validate:"min=1"`
	// MaxFrameSize is the largest accepted inbound frame in bytes.
	MaxFrameSize int64 `yaml:"max_frame_size" env:"MAX_FRAME_SIZE" validate:"min=1024"`
}

// MaiBotConfig configures the upstream router connection.
type MaiBotConfig struct {
	URL      string `yaml:"url" env:"URL" validate:"required,url"`
	Platform string `yaml:"platform" env:"PLATFORM" validate:"required"`
	Token    string `yaml:"token" env:"TOKEN"`
	// ReconnectDelay is the delay between redial attempts in seconds.
	ReconnectDelay int `yaml:"reconnect_delay" env:"RECONNECT_DELAY" validate:"min=1"`
}

// DatabaseConfig configures the moderation store.
type DatabaseConfig struct {
	URI string `yaml:"uri" env:"URI" validate:"required"`
}

// BridgeConfig holds behaviour toggles and timeouts. Durations are seconds.
type BridgeConfig struct {
	ActionTimeout        int  `yaml:"action_timeout" env:"ACTION_TIMEOUT" validate:"min=1"`
	ImageFetchTimeout    int  `yaml:"image_fetch_timeout" env:"IMAGE_FETCH_TIMEOUT" validate:"min=1"`
	ReportSelfMessages   bool `yaml:"report_self_messages" env:"REPORT_SELF_MESSAGES"`
	BanLiftCheckInterval int  `yaml:"ban_lift_check_interval" env:"BAN_LIFT_CHECK_INTERVAL" validate:"min=1"`
	// AdminAPIAddr is the listen address of the admin HTTP API. Empty disables it.
	AdminAPIAddr string `yaml:"admin_api_addr" env:"ADMIN_API_ADDR" validate:"omitempty,hostname_port"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates the config.
func (c *Config) PostProcess() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadConfig reads the config at path over the example defaults, applies
// environment overrides and post-processes the result.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListenAddr is the gateway listener address.
func (c *NapCatConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DefaultHeartbeat is the heartbeat interval assumed before the gateway advertises one.
func (c *NapCatConfig) DefaultHeartbeat() time.Duration {
	return time.Duration(c.HeartbeatInterval) * time.Second
}

func (c *MaiBotConfig) ReconnectDelayDuration() time.Duration {
	return time.Duration(c.ReconnectDelay) * time.Second
}

// Duration accessors fall back to these when a field was left unset, as in
// configs built by hand rather than through LoadConfig.
const (
	defaultActionTimeout        = 15 * time.Second
	defaultImageFetchTimeout    = 10 * time.Second
	defaultBanLiftCheckInterval = time.Minute
)

func (c *BridgeConfig) ActionTimeoutDuration() time.Duration {
	return secondsOr(c.ActionTimeout, defaultActionTimeout)
}

func (c *BridgeConfig) ImageFetchTimeoutDuration() time.Duration {
	return secondsOr(c.ImageFetchTimeout, defaultImageFetchTimeout)
}

func (c *BridgeConfig) BanLiftCheckIntervalDuration() time.Duration {
	return secondsOr(c.BanLiftCheckInterval, defaultBanLiftCheckInterval)
}

func secondsOr(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
