package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/treemana/rosdns/errors"
)

const minimalTOML = `
[dns]
upstream = "udp://8.8.8.8:53"
backup = "udp://223.5.5.5:53"
block_address = "127.0.0.1"

[router]
address = "192.168.88.1:8728"
user = "admin"
list = "proxied"
`

func TestLoadTOMLDefaults(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "rosdns.toml")
	require.NoError(t, os.WriteFile(p, []byte(minimalTOML), 0o600))

	c, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, p, c.Path())
	assert.Equal(t, "0.0.0.0", c.DNS.Listen)
	assert.Equal(t, 53, c.DNS.Port)
	assert.Equal(t, 5*time.Second, c.DNS.Timeout.Std())
	assert.Equal(t, 10, c.Router.MaxConnections)
	assert.Equal(t, 30*time.Second, c.Router.IdleTimeout.Std())
	assert.Equal(t, 8, c.Bus.Workers)
	assert.Equal(t, filepath.Join(dir, "proxied.txt"), c.Resolve("proxied.txt"))
	assert.Equal(t, "/etc/blocked.txt", c.Resolve("/etc/blocked.txt"))
}

func TestLoadYAML(t *testing.T) {
	raw := `
dns:
  upstream: tls://1.1.1.1:853
  backup: udp://223.5.5.5:53
  block_address: 0.0.0.0
  timeout: 2s
router:
  address: 10.0.0.1:8728
  user: dns
  list: vpn
  idle_timeout: 1m
lists:
  excluded_hosts: [a.example.com]
`
	p := filepath.Join(t.TempDir(), "rosdns.yaml")
	require.NoError(t, os.WriteFile(p, []byte(raw), 0o600))

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, c.DNS.Timeout.Std())
	assert.Equal(t, time.Minute, c.Router.IdleTimeout.Std())
	assert.Equal(t, []string{"a.example.com"}, c.Lists.ExcludedHosts)
	assert.Equal(t, 1024, c.Bus.Queue)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "syntax", raw: "[dns\nport = 1"},
		{name: "missing router", raw: `
[dns]
upstream = "udp://8.8.8.8:53"
backup = "udp://223.5.5.5:53"
block_address = "127.0.0.1"
`},
		{name: "doh scheme", raw: `
[dns]
upstream = "https://8.8.8.8/dns-query"
backup = "udp://223.5.5.5:53"
block_address = "127.0.0.1"
[router]
address = "192.168.88.1:8728"
user = "admin"
list = "proxied"
`},
		{name: "zero workers", raw: minimalTOML + "\n[bus]\nworkers = 0\n"},
		{name: "bad duration", raw: `
[dns]
upstream = "udp://8.8.8.8:53"
backup = "udp://223.5.5.5:53"
block_address = "127.0.0.1"
timeout = "soon"
[router]
address = "192.168.88.1:8728"
user = "admin"
list = "proxied"
`},
		{name: "ipv6 sink", raw: `
[dns]
upstream = "udp://8.8.8.8:53"
backup = "udp://223.5.5.5:53"
block_address = "::1"
[router]
address = "192.168.88.1:8728"
user = "admin"
list = "proxied"
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := filepath.Join(t.TempDir(), "rosdns.toml")
			require.NoError(t, os.WriteFile(p, []byte(tt.raw), 0o600))
			_, err := Load(p)
			require.Error(t, err)
			assert.ErrorIs(t, err, rerrors.ErrConfig)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.ErrorIs(t, err, rerrors.ErrConfig)
}

func TestLogConfig(t *testing.T) {
	c := Default()
	c.Log.Verbose = true
	c.Log.File = "/tmp/rosdns.log"
	lc := c.LogConfig()
	assert.True(t, lc.Verbose)
	assert.Equal(t, "/tmp/rosdns.log", lc.File)
	assert.True(t, lc.STDOUT)
}
