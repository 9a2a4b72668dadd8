package gtshare

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guactunnel.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: 127.0.0.1:9000
log_level: debug
guacd:
  host: guacd.internal
  port: 4823
  handshake_timeout: 5s
  parameters:
    color-depth: "24"
credentials:
  source: redis
  redis:
    addr: redis:6379
    db: 2
endpoints:
  source: both
  static:
    vm-1: {host: 10.0.0.5, port: 5901}
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "guacd.internal:4823", cfg.GuacdAddr())
	assert.Equal(t, 5*time.Second, cfg.Guacd.HandshakeTimeout)
	assert.Equal(t, "VERSION_1_5_0", cfg.Guacd.ProtocolVersion)
	assert.Equal(t, "redis:6379", cfg.Credentials.Redis.Addr)
	assert.Equal(t, 2, cfg.Credentials.Redis.DB)
	assert.Equal(t, "guactunnel:credential:", cfg.Credentials.Redis.Prefix)
	assert.Equal(t, 5901, cfg.Endpoints.Static["vm-1"].Port)

	hc := cfg.HandshakeConfig()
	assert.Equal(t, "vnc", hc.DisplayProtocol)
	assert.Equal(t, "24", hc.Defaults["color-depth"])
	assert.Equal(t, "guacd.internal:4823", cfg.BridgeConfig().DaemonAddr)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen: [\n"), 0o600))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"no credentials file":   func(c *Config) {},
		"bad log level":         func(c *Config) { c.Credentials.File = "x"; c.LogLevel = "loud" },
		"bad port":              func(c *Config) { c.Credentials.File = "x"; c.Guacd.Port = 0 },
		"bad credential source": func(c *Config) { c.Credentials.Source = "ldap" },
		"bad endpoint source":   func(c *Config) { c.Credentials.File = "x"; c.Endpoints.Source = "dns" },
		"no listen":             func(c *Config) { c.Credentials.File = "x"; c.Listen = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := DefaultConfig()
			mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := DefaultConfig()
	c.Credentials.File = "creds.yaml"
	assert.NoError(t, c.Validate())
}

func TestResolvedSecret(t *testing.T) {
	c := DefaultConfig()
	t.Setenv(SecretEnvVar, "")
	assert.Equal(t, DefaultSecret, c.ResolvedSecret())

	t.Setenv(SecretEnvVar, "from-env")
	assert.Equal(t, "from-env", c.ResolvedSecret())

	c.Secret = "from-file"
	assert.Equal(t, "from-file", c.ResolvedSecret())
}
