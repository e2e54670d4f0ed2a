// Package config provides configuration parsing and validation for ztbridge.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/postalsys/ztbridge/internal/relay"
	"github.com/postalsys/ztbridge/internal/vnet"
)

// Config represents the complete bridge configuration.
type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Virtual VirtualConfig `yaml:"virtual"`
	Local   LocalConfig   `yaml:"local"`
	Stack   StackConfig   `yaml:"stack"`
	Health  HealthConfig  `yaml:"health"`
	Control ControlConfig `yaml:"control"`
}

// NodeConfig contains overlay node settings.
type NodeConfig struct {
	NetworkID    string        `yaml:"network_id"`    // 16 hex digits, optional 0x prefix
	IdentityPath string        `yaml:"identity_path"` // Directory for the node identity
	PollInterval time.Duration `yaml:"poll_interval"` // Readiness poll interval
	LogLevel     string        `yaml:"log_level"`     // debug, info, warn, error
	LogFormat    string        `yaml:"log_format"`    // text, json
}

// VirtualConfig contains the virtual-network side of the relay.
type VirtualConfig struct {
	BindAddress       string `yaml:"bind_address"`        // Server relay bind address
	Port              int    `yaml:"port"`                // Server relay port
	ClientBindAddress string `yaml:"client_bind_address"` // host:port for the client relay socket
	RemoteAddress     string `yaml:"remote_address"`      // Fixed virtual peer
	RemotePort        int    `yaml:"remote_port"`
	BufferSize        int    `yaml:"buffer_size"`
	Mode              string `yaml:"mode"` // continuous, single
	Greeting          string `yaml:"greeting"`
}

// LocalConfig contains the local application endpoint.
type LocalConfig struct {
	Listen string `yaml:"listen"`
}

// StackConfig selects and tunes the virtual network stack driver.
type StackConfig struct {
	Driver    string        `yaml:"driver"`     // host
	BootDelay time.Duration `yaml:"boot_delay"` // Simulated node boot time
	Addresses []string      `yaml:"addresses"`  // Assigned addresses in CIDR form
	ReusePort bool          `yaml:"reuse_port"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			NetworkID:    "17d709436c911e4f",
			IdentityPath: "./data/zt",
			PollInterval: time.Second,
			LogLevel:     "info",
			LogFormat:    "text",
		},
		Virtual: VirtualConfig{
			BindAddress:       "0.0.0.0",
			Port:              4040,
			ClientBindAddress: "0.0.0.0:0", // ephemeral, so replies reach the server socket
			RemoteAddress:     "11.7.7.107",
			RemotePort:        4040,
			BufferSize:        8192,
			Mode:              string(relay.ModeContinuous),
			Greeting:          relay.DefaultGreeting,
		},
		Local: LocalConfig{
			Listen: "127.0.0.1:3000",
		},
		Stack: StackConfig{
			Driver:    "host",
			BootDelay: 2 * time.Second,
			Addresses: []string{},
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      ":8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./data/control.sock",
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

		// ${VAR:-default}
		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
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

	// Node
	if _, err := vnet.ParseNetworkID(c.Node.NetworkID); err != nil {
		errs = append(errs, fmt.Sprintf("node.network_id: %v", err))
	}
	if c.Node.IdentityPath == "" {
		errs = append(errs, "node.identity_path is required")
	}
	if c.Node.PollInterval <= 0 {
		errs = append(errs, "node.poll_interval must be positive")
	}
	if !isValidLogLevel(c.Node.LogLevel) {
		errs = append(errs, fmt.Sprintf("invalid log_level: %s (must be debug, info, warn, or error)", c.Node.LogLevel))
	}
	if !isValidLogFormat(c.Node.LogFormat) {
		errs = append(errs, fmt.Sprintf("invalid log_format: %s (must be text or json)", c.Node.LogFormat))
	}

	// Virtual side
	if _, err := netip.ParseAddr(c.Virtual.BindAddress); err != nil {
		errs = append(errs, fmt.Sprintf("virtual.bind_address: %v", err))
	}
	if !isValidPort(c.Virtual.Port) {
		errs = append(errs, fmt.Sprintf("virtual.port must be between 1 and 65535, got %d", c.Virtual.Port))
	}
	if _, err := netip.ParseAddrPort(c.Virtual.ClientBindAddress); err != nil {
		errs = append(errs, fmt.Sprintf("virtual.client_bind_address: %v", err))
	}
	if _, err := netip.ParseAddr(c.Virtual.RemoteAddress); err != nil {
		errs = append(errs, fmt.Sprintf("virtual.remote_address: %v", err))
	}
	if !isValidPort(c.Virtual.RemotePort) {
		errs = append(errs, fmt.Sprintf("virtual.remote_port must be between 1 and 65535, got %d", c.Virtual.RemotePort))
	}
	if c.Virtual.BufferSize < 512 || c.Virtual.BufferSize > 65535 {
		errs = append(errs, "virtual.buffer_size must be between 512 and 65535")
	}
	if _, err := relay.ParseMode(c.Virtual.Mode); err != nil {
		errs = append(errs, fmt.Sprintf("virtual.mode: %v", err))
	}

	// Local side
	if _, err := netip.ParseAddrPort(c.Local.Listen); err != nil {
		errs = append(errs, fmt.Sprintf("local.listen: %v", err))
	}

	// Stack
	if c.Stack.Driver != "host" {
		errs = append(errs, fmt.Sprintf("invalid stack.driver: %s (must be host)", c.Stack.Driver))
	}
	if c.Stack.BootDelay < 0 {
		errs = append(errs, "stack.boot_delay must not be negative")
	}
	for i, a := range c.Stack.Addresses {
		if _, err := netip.ParsePrefix(a); err != nil {
			errs = append(errs, fmt.Sprintf("stack.addresses[%d]: invalid CIDR: %s", i, a))
		}
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
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

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

// Network returns the parsed network id. Call after Validate.
func (c *Config) Network() vnet.NetworkID {
	id, _ := vnet.ParseNetworkID(c.Node.NetworkID)
	return id
}

// ServerBind returns the server relay's virtual bind address.
func (c *Config) ServerBind() netip.AddrPort {
	addr, _ := netip.ParseAddr(c.Virtual.BindAddress)
	return netip.AddrPortFrom(addr, uint16(c.Virtual.Port))
}

// ClientBind returns the client relay's virtual bind address.
func (c *Config) ClientBind() netip.AddrPort {
	ap, _ := netip.ParseAddrPort(c.Virtual.ClientBindAddress)
	return ap
}

// Remote returns the fixed virtual peer.
func (c *Config) Remote() netip.AddrPort {
	addr, _ := netip.ParseAddr(c.Virtual.RemoteAddress)
	return netip.AddrPortFrom(addr, uint16(c.Virtual.RemotePort))
}

// RelayMode returns the parsed client relay mode.
func (c *Config) RelayMode() relay.Mode {
	mode, _ := relay.ParseMode(c.Virtual.Mode)
	return mode
}

// StackAddresses returns the configured stack addresses.
func (c *Config) StackAddresses() []netip.Prefix {
	out := make([]netip.Prefix, 0, len(c.Stack.Addresses))
	for _, a := range c.Stack.Addresses {
		if p, err := netip.ParsePrefix(a); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// String returns the YAML form of the config.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Save writes the config to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
