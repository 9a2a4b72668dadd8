package gtshare

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sammck-go/guactunnel/pkg/guacbridge"
	"github.com/sammck-go/guactunnel/pkg/handshake"
	"github.com/sammck-go/guactunnel/pkg/logger"
	"github.com/sammck-go/guactunnel/pkg/resolve"
)

// SecretEnvVar supplies the credential sealing secret when the config file does not
const SecretEnvVar = "GUACTUNNEL_SECRET"

// DefaultSecret is used when no secret is configured at all
const DefaultSecret = "secret"

// Credential sources
const (
	CredentialSourceFile  = "file"
	CredentialSourceRedis = "redis"
)

// Endpoint sources
const (
	EndpointSourceStatic  = "static"
	EndpointSourceLibvirt = "libvirt"
	EndpointSourceBoth    = "both"
)

// Config is the server configuration, normally loaded from YAML
type Config struct {
	// Listen is the HTTP listen address
	// Default: :8080
	Listen string `yaml:"listen"`

	// LogLevel is one of error, warning, info, debug, trace
	// Default: info
	LogLevel string `yaml:"log_level"`

	// Secret seals stored credential passwords. Falls back to $GUACTUNNEL_SECRET.
	Secret string `yaml:"secret"`

	Guacd       GuacdConfig       `yaml:"guacd"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Endpoints   EndpointsConfig   `yaml:"endpoints"`
}

// GuacdConfig describes the daemon and the handshake
type GuacdConfig struct {
	// Default: 127.0.0.1
	Host string `yaml:"host"`

	// Default: 4822
	Port int `yaml:"port"`

	// Default: 10s
	DialTimeout time.Duration `yaml:"dial_timeout"`

	// Default: 15s
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`

	// Default: VERSION_1_5_0
	ProtocolVersion string `yaml:"protocol_version"`

	// Default: vnc
	DisplayProtocol string `yaml:"display_protocol"`

	// Parameters are defaults for connect parameters the daemon asks for
	Parameters map[string]string `yaml:"parameters"`
}

// CredentialsConfig selects where credentials come from
type CredentialsConfig struct {
	// Source is "file" or "redis"
	// Default: file
	Source string `yaml:"source"`

	// File is the YAML credential list for the file source
	File string `yaml:"file"`

	// Watch reloads File when it changes
	// Default: true
	Watch bool `yaml:"watch"`

	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig locates the redis credential store
type RedisConfig struct {
	// Default: 127.0.0.1:6379
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Default: guactunnel:credential:
	Prefix string `yaml:"prefix"`
}

// EndpointsConfig selects how VM ids become display endpoints
type EndpointsConfig struct {
	// Source is "static", "libvirt" or "both" (static first)
	// Default: static
	Source string `yaml:"source"`

	// Static maps VM ids to endpoints
	Static map[string]resolve.Endpoint `yaml:"static"`

	// Default: /var/run/libvirt/libvirt-sock
	LibvirtSocket string `yaml:"libvirt_socket"`

	// DisplayHost is the host returned for libvirt endpoints
	// Default: 127.0.0.1
	DisplayHost string `yaml:"display_host"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen:   ":8080",
		LogLevel: "info",
		Guacd: GuacdConfig{
			Host:             "127.0.0.1",
			Port:             4822,
			DialTimeout:      guacbridge.DefaultDialTimeout,
			HandshakeTimeout: handshake.DefaultTimeout,
			ProtocolVersion:  handshake.DefaultProtocolVersion,
			DisplayProtocol:  handshake.DefaultDisplayProtocol,
		},
		Credentials: CredentialsConfig{
			Source: CredentialSourceFile,
			Watch:  true,
			Redis: RedisConfig{
				Addr:   "127.0.0.1:6379",
				Prefix: resolve.DefaultRedisPrefix,
			},
		},
		Endpoints: EndpointsConfig{
			Source:        EndpointSourceStatic,
			LibvirtSocket: resolve.DefaultLibvirtSocket,
			DisplayHost:   resolve.DefaultDisplayHost,
		},
	}
}

// LoadConfig reads path over the defaults. An empty path returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// ResolvedSecret returns the configured secret, then $GUACTUNNEL_SECRET, then DefaultSecret
func (c *Config) ResolvedSecret() string {
	if c.Secret != "" {
		return c.Secret
	}
	if s := os.Getenv(SecretEnvVar); s != "" {
		return s
	}
	return DefaultSecret
}

// GuacdAddr returns guacd's host:port
func (c *Config) GuacdAddr() string {
	return net.JoinHostPort(c.Guacd.Host, strconv.Itoa(c.Guacd.Port))
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	var lvl logger.LogLevel
	if err := lvl.FromString(c.LogLevel); err != nil {
		return err
	}
	if c.Guacd.Host == "" {
		return fmt.Errorf("guacd host is required")
	}
	if c.Guacd.Port <= 0 || c.Guacd.Port > 65535 {
		return fmt.Errorf("invalid guacd port %d", c.Guacd.Port)
	}
	switch c.Credentials.Source {
	case CredentialSourceFile:
		if c.Credentials.File == "" {
			return fmt.Errorf("credentials.file is required for the file source")
		}
	case CredentialSourceRedis:
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("credentials.redis.addr is required for the redis source")
		}
	default:
		return fmt.Errorf("unknown credential source %q", c.Credentials.Source)
	}
	switch c.Endpoints.Source {
	case EndpointSourceStatic, EndpointSourceLibvirt, EndpointSourceBoth:
	default:
		return fmt.Errorf("unknown endpoint source %q", c.Endpoints.Source)
	}
	return nil
}

// HandshakeConfig returns the handshake settings
func (c *Config) HandshakeConfig() handshake.Config {
	return handshake.Config{
		DisplayProtocol: c.Guacd.DisplayProtocol,
		ProtocolVersion: c.Guacd.ProtocolVersion,
		Timeout:         c.Guacd.HandshakeTimeout,
		Defaults:        c.Guacd.Parameters,
	}
}

// BridgeConfig returns the bridge settings
func (c *Config) BridgeConfig() guacbridge.Config {
	return guacbridge.Config{
		DaemonAddr:  c.GuacdAddr(),
		DialTimeout: c.Guacd.DialTimeout,
		Handshake:   c.HandshakeConfig(),
	}
}
