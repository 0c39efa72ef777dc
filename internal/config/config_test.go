package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockSecrets map[string]string

func (m mockSecrets) Put(n string, d []byte) error { m[n] = string(d); return nil }
func (m mockSecrets) Get(n string) ([]byte, error) {
	s, ok := m[n]
	if !ok {
		return nil, errors.New("secret not found")
	}
	return []byte(s), nil
}
func (m mockSecrets) Delete(n string) error { delete(m, n); return nil }

// certFiles creates placeholder certificate files; Parse only checks that
// the paths exist.
func certFiles(t *testing.T) (ca, cert, key string) {
	t.Helper()
	dir := t.TempDir()
	ca = filepath.Join(dir, "ca.pem")
	cert = filepath.Join(dir, "client.pem")
	key = filepath.Join(dir, "client.key")
	for _, p := range []string{ca, cert, key} {
		require.NoError(t, os.WriteFile(p, []byte("placeholder"), 0600))
	}
	return ca, cert, key
}

func minimalYAML(ca, cert, key string) string {
	return `
servers:
  - name: backup1
    host: backup1.example.com
    client_cname: monitor
    password: hunter2
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`
}

func TestParseDefaults(t *testing.T) {
	ca, cert, key := certFiles(t)
	cfg, err := Parse([]byte(minimalYAML(ca, cert, key)), mockSecrets{})
	require.NoError(t, err)

	assert.Equal(t, DefaultBindAddress, cfg.BindAddress)
	assert.Equal(t, DefaultBindPort, cfg.BindPort)
	assert.Equal(t, DefaultPollTimeout, cfg.PollTimeout)

	require.Len(t, cfg.Servers, 1)
	srv := cfg.Servers[0]
	assert.Equal(t, "backup1", srv.Name)
	assert.Equal(t, DefaultServerPort, srv.Port)
	assert.Equal(t, DefaultServerCName, srv.CName)
	assert.Equal(t, DefaultRefreshInterval, srv.RefreshInterval)
	assert.Equal(t, DefaultTimeout, srv.Timeout)
	assert.Equal(t, DefaultVersion, srv.Version)
	assert.Equal(t, "backup1.example.com:4972", srv.Address())
}

func TestParseValidation(t *testing.T) {
	ca, cert, key := certFiles(t)
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ""},
		{"no servers", "bind_port: 9700\n"},
		{"missing name", `
servers:
  - host: h
    client_cname: c
    password: p
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`},
		{"missing host", `
servers:
  - name: n
    client_cname: c
    password: p
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`},
		{"missing password", `
servers:
  - name: n
    host: h
    client_cname: c
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`},
		{"missing ca", `
servers:
  - name: n
    host: h
    client_cname: c
    password: p
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`},
		{"nonexistent cert path", `
servers:
  - name: n
    host: h
    client_cname: c
    password: p
    tls_ca_cert: /nonexistent/ca.pem
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`},
		{"unknown field", `
servers: []
shenanigans: true
`},
		{"reserved group label", `
group_by_label: server
servers:
  - name: n
    host: h
    client_cname: c
    password: p
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml), mockSecrets{})
			assert.Error(t, err)
		})
	}
}

func TestParseDuplicateServerNames(t *testing.T) {
	ca, cert, key := certFiles(t)
	yaml := minimalYAML(ca, cert, key) + `  - name: backup1
    host: other.example.com
    client_cname: monitor
    password: hunter2
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`
	_, err := Parse([]byte(yaml), mockSecrets{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate server name")
}

func TestParseKeyringPassword(t *testing.T) {
	ca, cert, key := certFiles(t)
	yaml := `
servers:
  - name: backup1
    host: backup1.example.com
    client_cname: monitor
    password_keyring: backup1-password
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`
	secrets := mockSecrets{"backup1-password": "from-keyring"}
	cfg, err := Parse([]byte(yaml), secrets)
	require.NoError(t, err)
	assert.Equal(t, "from-keyring", cfg.Servers[0].Password)

	// Unknown secret is an error.
	_, err = Parse([]byte(yaml), mockSecrets{})
	assert.Error(t, err)

	// Inline password and keyring reference are mutually exclusive.
	both := yaml + "    password: inline\n"
	_, err = Parse([]byte(both), secrets)
	assert.Error(t, err)
}

func TestParseBindPortOutOfRange(t *testing.T) {
	ca, cert, key := certFiles(t)
	cfg, err := Parse([]byte("bind_port: 80\n"+minimalYAML(ca, cert, key)), mockSecrets{})
	require.NoError(t, err)
	assert.Equal(t, DefaultBindPort, cfg.BindPort, "out-of-range port resets to default")
}

func TestParseEnvOverrides(t *testing.T) {
	ca, cert, key := certFiles(t)
	t.Setenv("BURP_EXPORTER_BIND_ADDRESS", "0.0.0.0")
	t.Setenv("BURP_EXPORTER_BIND_PORT", "9700")
	t.Setenv("BURP_EXPORTER_POLL_TIMEOUT_SECONDS", "2")
	t.Setenv("BURP_EXPORTER_GROUP_BY_LABEL", "team")

	cfg, err := Parse([]byte(minimalYAML(ca, cert, key)), mockSecrets{})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.BindAddress)
	assert.Equal(t, 9700, cfg.BindPort)
	assert.Equal(t, 2*time.Second, cfg.PollTimeout)
	assert.Equal(t, "team", cfg.GroupByLabel)
}

func TestParseExplicitSettings(t *testing.T) {
	ca, cert, key := certFiles(t)
	yaml := `
bind_address: 192.0.2.1
bind_port: 9646
poll_timeout_seconds: 3
history_db: /var/lib/burp-exporter/history.db
group_by_label: team
servers:
  - name: backup1
    host: backup1.example.com
    port: 5971
    cname: bserver
    client_cname: monitor
    password: hunter2
    refresh_interval_seconds: 30
    timeout_seconds: 5
    version: 2.2.0
    tls_ca_cert: ` + ca + `
    tls_cert: ` + cert + `
    tls_key: ` + key + `
`
	cfg, err := Parse([]byte(yaml), mockSecrets{})
	require.NoError(t, err)
	assert.Equal(t, "192.0.2.1", cfg.BindAddress)
	assert.Equal(t, 9646, cfg.BindPort)
	assert.Equal(t, 3*time.Second, cfg.PollTimeout)
	assert.Equal(t, "/var/lib/burp-exporter/history.db", cfg.HistoryDB)
	assert.Equal(t, "team", cfg.GroupByLabel)

	srv := cfg.Servers[0]
	assert.Equal(t, 5971, srv.Port)
	assert.Equal(t, "bserver", srv.CName)
	assert.Equal(t, 30*time.Second, srv.RefreshInterval)
	assert.Equal(t, 5*time.Second, srv.Timeout)
	assert.Equal(t, "2.2.0", srv.Version)
}
