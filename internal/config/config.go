// Package config handles configuration loading, validation, and
// persistence for the Moonlight tournament server.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"

	DefaultPort          = 10156
	DefaultWebsocketPort = 10157
	DefaultAPIPort       = 10158

	// ClientVersionCode is the protocol version this server speaks.
	// Connect requests carrying a different code are rejected.
	ClientVersionCode = 100
)

// Config is the root configuration structure for Moonlight.
type Config struct {
	mu   sync.RWMutex
	path string

	ServerData      ServerData      `json:"server_data"`
	ApplicationData ApplicationData `json:"application_data"`
}

// ServerData contains the externally visible server identity and the
// listener endpoints.
type ServerData struct {
	// Identity
	Name    string `json:"server_name"`
	Address string `json:"server_address"`

	// Ports
	Port          int `json:"server_port"`
	WebsocketPort int `json:"server_websocket_port"`
	APIPort       int `json:"server_api_port"`

	// TLS material; generated self-signed when empty
	CertFile string `json:"tls_cert_file"`
	KeyFile  string `json:"tls_key_file"`

	// Token signing secret; generated on first run when empty
	TokenSigningKey string `json:"token_signing_key"`

	// OAuth application credentials
	OAuthClientID     string `json:"oauth_client_id"`
	OAuthClientSecret string `json:"oauth_client_secret"`
}

// ApplicationData contains server application configuration.
type ApplicationData struct {
	DatabasePath string        `json:"database_path"`
	API          APIConfig     `json:"api"`
	Discord      DiscordConfig `json:"discord"`
	MQTT         MQTTConfig    `json:"mqtt"`
	Logging      LoggingConfig `json:"logging"`
}

// APIConfig holds REST control-plane settings.
type APIConfig struct {
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// DiscordConfig holds the Discord bridge settings.
type DiscordConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
}

// MQTTConfig holds telemetry broker settings.
type MQTTConfig struct {
	Enabled   bool   `json:"enabled"`
	BrokerURL string `json:"broker_url"`
	Port      int    `json:"port"`
	ClientID  string `json:"client_id"`
	Username  string `json:"username"`
	Password  string `json:"password"`
	UseTLS    bool   `json:"use_tls"`
	CertFile  string `json:"cert_file"`
	KeyFile   string `json:"key_file"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// Default returns a configuration populated with defaults.
func Default() *Config {
	return &Config{
		ServerData: ServerData{
			Name:          "Moonlight Server",
			Address:       "127.0.0.1",
			Port:          DefaultPort,
			WebsocketPort: DefaultWebsocketPort,
			APIPort:       DefaultAPIPort,
		},
		ApplicationData: ApplicationData{
			DatabasePath: filepath.Join("data", "moonlight.db"),
			API: APIConfig{
				RateLimitRPS: 20,
			},
			Logging: LoggingConfig{
				Level:      "info",
				Directory:  "logs",
				MaxBackups: 5,
			},
			MQTT: MQTTConfig{
				Port: 8883,
			},
		},
	}
}

// Load reads the configuration from disk, creating it with defaults on
// first run.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, DefaultConfigFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		cfg.path = path
		if err := cfg.Save(); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
		log.Info().Str("path", path).Msg("created default configuration")
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	cfg.path = path

	log.Info().Str("path", path).Msg("configuration loaded")
	return cfg, nil
}

// Save writes the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// SetTokenSigningKey stores a generated signing key and persists it.
func (c *Config) SetTokenSigningKey(key string) error {
	c.mu.Lock()
	c.ServerData.TokenSigningKey = key
	c.mu.Unlock()
	return c.Save()
}
