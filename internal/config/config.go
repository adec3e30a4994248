// Package config provides configuration parsing and validation for the machine server.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Role selects which behavior table the node runs with.
type Role string

const (
	// RoleService terminates Portal and Agent streams and may open
	// outward connections to gateway nodes.
	RoleService Role = "service"

	// RoleGateway terminates Portal streams and inbound service
	// connections from other nodes.
	RoleGateway Role = "gateway"
)

// Config represents the complete node configuration.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Limits   LimitsConfig   `yaml:"limits"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Registry RegistryConfig `yaml:"registry"`
	Control  ControlConfig  `yaml:"control"`
	Features FeaturesConfig `yaml:"features"`
}

// NodeConfig contains node identity settings.
type NodeConfig struct {
	Role           Role      `yaml:"role"`             // service or gateway
	InstanceID     string    `yaml:"instance_id"`      // unique across the fleet
	MachineName    string    `yaml:"machine_name"`     // advertised in welcome envelopes
	PrivateKeyPEM  string    `yaml:"private_key_pem"`  // inline PEM, or
	PrivateKeyFile string    `yaml:"private_key_file"` // path to PEM file
	KeyExpiresOn   time.Time `yaml:"key_expires_on"`
	LogLevel       string    `yaml:"log_level"`  // debug, info, warn, error
	LogFormat      string    `yaml:"log_format"` // text, json
}

// ServerConfig contains the HTTP/WebSocket listener settings.
type ServerConfig struct {
	Address     string `yaml:"address"`      // listen address
	RedirectURL string `yaml:"redirect_url"` // target for GET /; 404 when empty
}

// GatewayConfig contains the gateway cross-stitch settings.
type GatewayConfig struct {
	PreSharedKey string   `yaml:"pre_shared_key"` // required for gateway features
	Servers      []string `yaml:"servers"`        // outward gateway URLs (service role only)
}

// LimitsConfig defines message size bounds.
type LimitsConfig struct {
	MaxBytesBeforeAuth int `yaml:"max_bytes_before_auth"` // total pre-auth byte budget per stream
	MaxMessageSize     int `yaml:"max_message_size"`      // per-frame cap once authenticated
	ReceiveBufferSize  int `yaml:"receive_buffer_size"`
}

// TimeoutsConfig defines the timers the relay runs on.
type TimeoutsConfig struct {
	PingInterval           time.Duration `yaml:"ping_interval"`
	ReconnectInterval      time.Duration `yaml:"reconnect_interval"`
	ControlResponseTimeout time.Duration `yaml:"control_response_timeout"`
	GracefulCloseTimeout   time.Duration `yaml:"graceful_close_timeout"`
}

// RegistryConfig defines tenant registry windows.
type RegistryConfig struct {
	ClientInactivityTimeout time.Duration `yaml:"client_inactivity_timeout"` // liveness window for list results
	ConnectionRetention     time.Duration `yaml:"connection_retention"`      // row retention before purge
	InMemoryClientList      bool          `yaml:"in_memory_client_list"`
}

// ControlConfig defines the Unix control socket.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// FeaturesConfig toggles optional behavior.
type FeaturesConfig struct {
	DisablePingMessages      bool          `yaml:"disable_ping_messages"`
	DisableClientHistory     bool          `yaml:"disable_client_history"`
	DisableStatistics        bool          `yaml:"disable_statistics"`
	AllowedProtocolVersions  []int         `yaml:"allowed_protocol_versions"`
	PublicKeyPublishInterval time.Duration `yaml:"public_key_publish_interval"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Role:      RoleService,
			LogLevel:  "info",
			LogFormat: "text",
		},
		Server: ServerConfig{
			Address: ":8443",
		},
		Limits: LimitsConfig{
			MaxBytesBeforeAuth: 100000,
			MaxMessageSize:     4 * 1024 * 1024,
			ReceiveBufferSize:  65536,
		},
		Timeouts: TimeoutsConfig{
			PingInterval:           30 * time.Second,
			ReconnectInterval:      30 * time.Second,
			ControlResponseTimeout: 30 * time.Second,
			GracefulCloseTimeout:   10 * time.Second,
		},
		Registry: RegistryConfig{
			ClientInactivityTimeout: 5 * time.Minute,
			ConnectionRetention:     24 * time.Hour,
			InMemoryClientList:      true,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./data/control.sock",
		},
		Features: FeaturesConfig{
			AllowedProtocolVersions:  []int{1},
			PublicKeyPublishInterval: 48 * time.Hour,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := expandEnvVars(string(data))

	// Start with defaults
	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// Handle default values: ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			varName := name[:idx]
			defaultVal := name[idx+2:]
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match // Keep original if not found
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	switch c.Node.Role {
	case RoleService, RoleGateway:
	default:
		errs = append(errs, fmt.Sprintf("invalid node.role: %s (must be service or gateway)", c.Node.Role))
	}
	if c.Node.InstanceID == "" {
		errs = append(errs, "node.instance_id is required")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}
	if c.Node.PrivateKeyPEM == "" && c.Node.PrivateKeyFile == "" {
		errs = append(errs, "node.private_key_pem or node.private_key_file is required")
	}

	if c.Server.Address == "" {
		errs = append(errs, "server.address is required")
	}

	if len(c.Gateway.Servers) > 0 {
		if c.Node.Role != RoleService {
			errs = append(errs, "gateway.servers is only valid for the service role")
		}
		if c.Gateway.PreSharedKey == "" {
			errs = append(errs, "gateway.pre_shared_key is required when gateway.servers is set")
		}
	}
	if c.Node.Role == RoleGateway && c.Gateway.PreSharedKey == "" {
		errs = append(errs, "gateway.pre_shared_key is required for the gateway role")
	}

	if c.Limits.MaxBytesBeforeAuth < 1 {
		errs = append(errs, "limits.max_bytes_before_auth must be positive")
	}
	if c.Limits.MaxMessageSize < c.Limits.MaxBytesBeforeAuth {
		errs = append(errs, "limits.max_message_size must be >= max_bytes_before_auth")
	}
	if c.Limits.ReceiveBufferSize < 1024 {
		errs = append(errs, "limits.receive_buffer_size must be at least 1024")
	}

	if c.Timeouts.PingInterval <= 0 {
		errs = append(errs, "timeouts.ping_interval must be positive")
	}
	if c.Timeouts.ControlResponseTimeout <= 0 {
		errs = append(errs, "timeouts.control_response_timeout must be positive")
	}

	if len(c.Features.AllowedProtocolVersions) == 0 {
		errs = append(errs, "features.allowed_protocol_versions must not be empty")
	}

	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

// GatewaysEnabled returns true if the node participates in gateway
// cross-stitching, either by dialing out or by terminating peers.
func (c *Config) GatewaysEnabled() bool {
	return c.Node.Role == RoleGateway || len(c.Gateway.Servers) > 0
}

// ProtocolVersionAllowed reports whether the asserted version is accepted.
func (c *Config) ProtocolVersionAllowed(v int) bool {
	for _, allowed := range c.Features.AllowedProtocolVersions {
		if allowed == v {
			return true
		}
	}
	return false
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// Redacted returns a copy of the config with sensitive values redacted.
// This is safe to log or display to users.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	if redacted.Node.PrivateKeyPEM != "" {
		redacted.Node.PrivateKeyPEM = redactedValue
	}
	if redacted.Gateway.PreSharedKey != "" {
		redacted.Gateway.PreSharedKey = redactedValue
	}

	return redacted
}
