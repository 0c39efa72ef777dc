// Package config loads and validates the exporter configuration from a YAML
// file, with environment overrides under the BURP_EXPORTER_ prefix.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/svalouch/burp-exporter/internal/log"
	"github.com/svalouch/burp-exporter/internal/secretstore"
)

const (
	// DefaultBindAddress is where the metrics endpoint binds if unset.
	DefaultBindAddress = "127.0.0.1"
	// DefaultBindPort is the registered port for this exporter.
	DefaultBindPort = 9645
	// DefaultServerPort is the burp status monitor port.
	DefaultServerPort = 4972
	// DefaultServerCName is the common name burp generates for its server cert.
	DefaultServerCName = "burpserver"
	// DefaultVersion is the burp client version announced during the handshake.
	DefaultVersion = "2.1.28"
	// DefaultRefreshInterval is how often each server is polled.
	DefaultRefreshInterval = 60 * time.Second
	// DefaultTimeout bounds handshake reads and receive waits per server.
	DefaultTimeout = 10 * time.Second
	// DefaultPollTimeout bounds one readiness pass over all connections.
	DefaultPollTimeout = 5 * time.Second

	envPrefix = "BURP_EXPORTER_"
)

// Server describes one burp server to poll. The exporter presents itself to
// it as a regular burp client using the certificates referenced here.
type Server struct {
	// Name identifies the server in metrics labels and logs.
	Name string `yaml:"name"`
	// Host is the address of the burp server.
	Host string `yaml:"host"`
	// Port is the status monitor port.
	Port int `yaml:"port"`
	// CName is the common name the server certificate must carry.
	CName string `yaml:"cname"`
	// ClientCName is the name this exporter logs in as.
	ClientCName string `yaml:"client_cname"`
	// Password authenticates the client cname. Mutually exclusive with
	// PasswordKeyring.
	Password string `yaml:"password"`
	// PasswordKeyring names a secret in the OS keyring to use instead of
	// an inline password.
	PasswordKeyring string `yaml:"password_keyring"`
	// TLSCACert is the CA bundle the server certificate must chain to.
	TLSCACert string `yaml:"tls_ca_cert"`
	// TLSCert is the client certificate presented to the server.
	TLSCert string `yaml:"tls_cert"`
	// TLSKey is the key for TLSCert.
	TLSKey string `yaml:"tls_key"`
	// RefreshIntervalSeconds is how often a status snapshot is requested.
	RefreshIntervalSeconds int `yaml:"refresh_interval_seconds"`
	// TimeoutSeconds bounds blocking reads on the connection.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// Version is the burp version string announced in the hello.
	Version string `yaml:"version"`

	// RefreshInterval and Timeout are the validated duration forms of the
	// *_seconds settings above.
	RefreshInterval time.Duration `yaml:"-"`
	Timeout         time.Duration `yaml:"-"`
}

// Address returns the host:port dial target.
func (s *Server) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// Config is the whole exporter configuration.
type Config struct {
	// BindAddress is the listen address for the HTTP endpoint.
	BindAddress string `yaml:"bind_address"`
	// BindPort is the listen port for the HTTP endpoint.
	BindPort int `yaml:"bind_port"`
	// PollTimeoutSeconds bounds one readiness pass over all open
	// connections.
	PollTimeoutSeconds int `yaml:"poll_timeout_seconds"`
	// HistoryDB, if set, enables the sqlite backup journal at this path.
	HistoryDB string `yaml:"history_db"`
	// GroupByLabel, if set, adds an extra label of that name to the
	// per-client metrics. Its value comes from the client's key=value
	// labels on the server, "--unknown--" for clients without it.
	GroupByLabel string `yaml:"group_by_label"`
	// Servers lists the burp servers to poll.
	Servers []Server `yaml:"servers"`

	// PollTimeout is the validated duration form of PollTimeoutSeconds.
	PollTimeout time.Duration `yaml:"-"`
}

// Load reads the YAML file at path, applies environment overrides, fills in
// defaults and validates the result. Secrets referenced via password_keyring
// are resolved through the secret store.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(raw, secretstore.Default)
}

// Parse decodes raw YAML, applies env overrides and validates. Split from
// Load so tests and the reload path can feed bytes directly.
func Parse(raw []byte, secrets secretstore.Store) (*Config, error) {
	cfg := &Config{
		BindAddress: DefaultBindAddress,
		BindPort:    DefaultBindPort,
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	applyEnv(cfg)

	if cfg.BindPort <= 1024 || cfg.BindPort > 65535 {
		log.Error().Int("bind_port", cfg.BindPort).Msg("bind_port outside of range (1024, 65535], resetting to default")
		cfg.BindPort = DefaultBindPort
	}
	if cfg.PollTimeoutSeconds < 0 {
		return nil, fmt.Errorf("poll_timeout_seconds must not be negative")
	}
	cfg.PollTimeout = DefaultPollTimeout
	if cfg.PollTimeoutSeconds > 0 {
		cfg.PollTimeout = time.Duration(cfg.PollTimeoutSeconds) * time.Second
	}
	switch cfg.GroupByLabel {
	case "server", "name", "run_status":
		return nil, fmt.Errorf("group_by_label %q collides with a built-in label", cfg.GroupByLabel)
	}
	if len(cfg.Servers) == 0 {
		return nil, fmt.Errorf("no servers configured")
	}

	seen := make(map[string]struct{}, len(cfg.Servers))
	for i := range cfg.Servers {
		srv := &cfg.Servers[i]
		if err := fillServer(srv, secrets); err != nil {
			return nil, fmt.Errorf("server %q: %w", srv.Name, err)
		}
		if _, dup := seen[srv.Name]; dup {
			return nil, fmt.Errorf("duplicate server name %q", srv.Name)
		}
		seen[srv.Name] = struct{}{}
	}
	return cfg, nil
}

func fillServer(srv *Server, secrets secretstore.Store) error {
	if srv.Name == "" {
		return fmt.Errorf("name is required")
	}
	if srv.Host == "" {
		return fmt.Errorf("host is required")
	}
	if srv.Port == 0 {
		srv.Port = DefaultServerPort
	}
	if srv.CName == "" {
		srv.CName = DefaultServerCName
	}
	if srv.ClientCName == "" {
		return fmt.Errorf("client_cname is required")
	}
	if srv.Password != "" && srv.PasswordKeyring != "" {
		return fmt.Errorf("password and password_keyring are mutually exclusive")
	}
	if srv.PasswordKeyring != "" {
		secret, err := secrets.Get(srv.PasswordKeyring)
		if err != nil {
			return fmt.Errorf("failed to resolve password_keyring %q: %w", srv.PasswordKeyring, err)
		}
		srv.Password = string(secret)
	}
	if srv.Password == "" {
		return fmt.Errorf("password or password_keyring is required")
	}
	for _, p := range []struct{ field, path string }{
		{"tls_ca_cert", srv.TLSCACert},
		{"tls_cert", srv.TLSCert},
		{"tls_key", srv.TLSKey},
	} {
		if p.path == "" {
			return fmt.Errorf("%s is required", p.field)
		}
		if _, err := os.Stat(p.path); err != nil {
			return fmt.Errorf("%s: %w", p.field, err)
		}
	}
	if srv.RefreshIntervalSeconds < 0 || srv.TimeoutSeconds < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	srv.RefreshInterval = DefaultRefreshInterval
	if srv.RefreshIntervalSeconds > 0 {
		srv.RefreshInterval = time.Duration(srv.RefreshIntervalSeconds) * time.Second
	}
	srv.Timeout = DefaultTimeout
	if srv.TimeoutSeconds > 0 {
		srv.Timeout = time.Duration(srv.TimeoutSeconds) * time.Second
	}
	if srv.Version == "" {
		srv.Version = DefaultVersion
	}
	return nil
}

// applyEnv overrides top-level settings from the environment. Per-server
// settings come from the file only.
func applyEnv(cfg *Config) {
	if v := os.Getenv(envPrefix + "BIND_ADDRESS"); v != "" {
		cfg.BindAddress = v
	}
	if v := os.Getenv(envPrefix + "BIND_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.BindPort = p
		} else {
			log.Warn().Str("value", v).Msg("ignoring non-numeric " + envPrefix + "BIND_PORT")
		}
	}
	if v := os.Getenv(envPrefix + "HISTORY_DB"); v != "" {
		cfg.HistoryDB = v
	}
	if v := os.Getenv(envPrefix + "GROUP_BY_LABEL"); v != "" {
		cfg.GroupByLabel = v
	}
	if v := os.Getenv(envPrefix + "POLL_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollTimeoutSeconds = n
		} else {
			log.Warn().Str("value", v).Msg("ignoring non-numeric " + envPrefix + "POLL_TIMEOUT_SECONDS")
		}
	}
}
