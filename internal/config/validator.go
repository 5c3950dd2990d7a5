package config

import (
	"fmt"
	"net"
	"os"

	"github.com/rs/zerolog/log"
)

// ValidationResult collects fatal errors and non-fatal warnings from a
// configuration check.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

// OK reports whether the configuration can be used to start the server.
func (r *ValidationResult) OK() bool {
	return len(r.Errors) == 0
}

// Validate checks the configuration for problems that would prevent the
// server from starting, plus a handful of likely misconfigurations.
func (c *Config) Validate() *ValidationResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := &ValidationResult{}

	if c.ServerData.Name == "" {
		result.Errors = append(result.Errors, "server_name must not be empty")
	}
	if net.ParseIP(c.ServerData.Address) == nil {
		// Not an IP; accept hostnames but flag empty values
		if c.ServerData.Address == "" {
			result.Errors = append(result.Errors, "server_address must not be empty")
		}
	}

	ports := map[string]int{
		"server_port":           c.ServerData.Port,
		"server_websocket_port": c.ServerData.WebsocketPort,
		"server_api_port":       c.ServerData.APIPort,
	}
	seen := make(map[int]string)
	for name, port := range ports {
		if port < 1 || port > 65535 {
			result.Errors = append(result.Errors, fmt.Sprintf("%s %d is out of range", name, port))
			continue
		}
		if other, ok := seen[port]; ok {
			result.Errors = append(result.Errors, fmt.Sprintf("%s and %s both use port %d", name, other, port))
		}
		seen[port] = name
	}

	if c.ServerData.CertFile != "" || c.ServerData.KeyFile != "" {
		if _, err := os.Stat(c.ServerData.CertFile); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tls_cert_file %s is not readable", c.ServerData.CertFile))
		}
		if _, err := os.Stat(c.ServerData.KeyFile); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("tls_key_file %s is not readable", c.ServerData.KeyFile))
		}
	} else {
		result.Warnings = append(result.Warnings, "no TLS certificate configured, a self-signed certificate will be generated")
	}

	if c.ApplicationData.Discord.Enabled && c.ApplicationData.Discord.BotToken == "" {
		result.Errors = append(result.Errors, "discord is enabled but bot_token is empty")
	}
	if c.ApplicationData.MQTT.Enabled && c.ApplicationData.MQTT.BrokerURL == "" {
		result.Errors = append(result.Errors, "mqtt is enabled but broker_url is empty")
	}

	if c.ServerData.OAuthClientID == "" {
		result.Warnings = append(result.Warnings, "no oauth_client_id configured, websocket clients cannot authenticate")
	}

	for _, w := range result.Warnings {
		log.Warn().Msg(w)
	}
	for _, e := range result.Errors {
		log.Error().Msg(e)
	}
	return result
}
