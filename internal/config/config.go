// Package config loads the sshmux configuration file.
//
// The file declares one session and the forwards to open on it. YAML
// (.yml, .yaml) and TOML (.toml) are supported; other extensions are read as
// YAML. String values may reference environment variables as ${VAR} or
// ${VAR:-default}.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/die-net/sshmux/internal/session"
)

const (
	DefaultPort      = 22
	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"
)

// File is the configuration file structure.
type File struct {
	Session SessionConfig `yaml:"session" toml:"session"`
	Logging LoggingConfig `yaml:"logging" toml:"logging"`
	Metrics MetricsConfig `yaml:"metrics" toml:"metrics"`

	LocalForwards   []LocalForward   `yaml:"local_forwards" toml:"local_forwards"`
	RemoteForwards  []RemoteForward  `yaml:"remote_forwards" toml:"remote_forwards"`
	DynamicForwards []DynamicForward `yaml:"dynamic_forwards" toml:"dynamic_forwards"`
}

// SessionConfig describes the server and how to authenticate.
type SessionConfig struct {
	Name     string `yaml:"name" toml:"name"`
	Host     string `yaml:"host" toml:"host"`
	Port     int    `yaml:"port" toml:"port"`
	User     string `yaml:"user" toml:"user"`
	Password string `yaml:"password" toml:"password"`

	// Key is a private key path, "agent" for the SSH agent, or empty.
	Key        string `yaml:"key" toml:"key"`
	KnownHosts string `yaml:"known_hosts" toml:"known_hosts"`
	// Upstream is a dialer URL the transport is opened through, e.g.
	// socks5://127.0.0.1:1080. Empty dials directly.
	Upstream string `yaml:"upstream" toml:"upstream"`

	StrictHostKeyChecking bool `yaml:"strict_host_key_checking" toml:"strict_host_key_checking"`
	AddUnknownHosts       bool `yaml:"add_unknown_hosts" toml:"add_unknown_hosts"`

	// Go duration strings.
	ConnectTimeout    string `yaml:"connect_timeout" toml:"connect_timeout"`
	KeepaliveInterval string `yaml:"keepalive_interval" toml:"keepalive_interval"`
	DisconnectTimeout string `yaml:"disconnect_timeout" toml:"disconnect_timeout"`
	SFTPWait          string `yaml:"sftp_wait" toml:"sftp_wait"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text, json
}

type MetricsConfig struct {
	// Listen is the address serving /metrics. Empty disables it.
	Listen string `yaml:"listen" toml:"listen"`
}

// LocalForward forwards LocalPort to TargetHost:RemotePort as seen from the
// server.
type LocalForward struct {
	Name        string `yaml:"name" toml:"name"`
	LocalPort   int    `yaml:"local_port" toml:"local_port"`
	RemotePort  int    `yaml:"remote_port" toml:"remote_port"`
	TargetHost  string `yaml:"target_host" toml:"target_host"`
	BindAddress string `yaml:"bind_address" toml:"bind_address"`
}

// RemoteForward forwards the server's RemotePort to the local Target.
type RemoteForward struct {
	Name        string `yaml:"name" toml:"name"`
	RemotePort  int    `yaml:"remote_port" toml:"remote_port"`
	Target      string `yaml:"target" toml:"target"`
	BindAddress string `yaml:"bind_address" toml:"bind_address"`
}

// DynamicForward runs a SOCKS5 server on LocalPort.
type DynamicForward struct {
	Name        string `yaml:"name" toml:"name"`
	LocalPort   int    `yaml:"local_port" toml:"local_port"`
	BindAddress string `yaml:"bind_address" toml:"bind_address"`
}

// envVarPattern matches ${VAR} or ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// InterpolateEnvVars replaces ${VAR} references with environment values.
func InterpolateEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if value := os.Getenv(groups[1]); value != "" {
			return value
		}
		return groups[2]
	})
}

func (f *File) interpolateEnvVars() {
	s := &f.Session
	for _, p := range []*string{
		&s.Name, &s.Host, &s.User, &s.Password, &s.Key, &s.KnownHosts, &s.Upstream,
		&s.ConnectTimeout, &s.KeepaliveInterval, &s.DisconnectTimeout, &s.SFTPWait,
		&f.Logging.Level, &f.Logging.Format, &f.Metrics.Listen,
	} {
		*p = InterpolateEnvVars(*p)
	}
	for i := range f.LocalForwards {
		lf := &f.LocalForwards[i]
		lf.TargetHost = InterpolateEnvVars(lf.TargetHost)
		lf.BindAddress = InterpolateEnvVars(lf.BindAddress)
	}
	for i := range f.RemoteForwards {
		rf := &f.RemoteForwards[i]
		rf.Target = InterpolateEnvVars(rf.Target)
		rf.BindAddress = InterpolateEnvVars(rf.BindAddress)
	}
	for i := range f.DynamicForwards {
		df := &f.DynamicForwards[i]
		df.BindAddress = InterpolateEnvVars(df.BindAddress)
	}
}

// LoadFile reads path, choosing the format by extension, and applies
// defaults.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Operator-supplied path.
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var f File
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing TOML config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing YAML config: %w", err)
		}
	}

	f.interpolateEnvVars()
	f.ApplyDefaults()
	return &f, nil
}

// ApplyDefaults fills unset values.
func (f *File) ApplyDefaults() {
	if f.Session.Port == 0 {
		f.Session.Port = DefaultPort
	}
	if f.Logging.Level == "" {
		f.Logging.Level = DefaultLogLevel
	}
	if f.Logging.Format == "" {
		f.Logging.Format = DefaultLogFormat
	}
	for i := range f.LocalForwards {
		if f.LocalForwards[i].Name == "" {
			f.LocalForwards[i].Name = fmt.Sprintf("local_%d", i+1)
		}
	}
	for i := range f.RemoteForwards {
		if f.RemoteForwards[i].Name == "" {
			f.RemoteForwards[i].Name = fmt.Sprintf("remote_%d", i+1)
		}
	}
	for i := range f.DynamicForwards {
		if f.DynamicForwards[i].Name == "" {
			f.DynamicForwards[i].Name = fmt.Sprintf("dynamic_%d", i+1)
		}
	}
}

func validPort(p int, allowZero bool) bool {
	return p <= 65535 && (p > 0 || (allowZero && p == 0))
}

// Validate reports every problem in f.
func (f *File) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	s := f.Session
	if s.Host == "" {
		add("session.host is required")
	}
	if s.User == "" {
		add("session.user is required")
	}
	if !validPort(s.Port, false) {
		add("session.port %d out of range", s.Port)
	}
	if _, err := s.SessionConfig(); err != nil {
		errs = append(errs, err)
	}
	if _, err := f.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if f.Logging.Format != "text" && f.Logging.Format != "json" {
		add("logging.format must be text or json, got %q", f.Logging.Format)
	}

	names := make(map[string]bool)
	unique := func(kind, name string) {
		if names[name] {
			add("%s forward %q: duplicate name", kind, name)
		}
		names[name] = true
	}
	for _, lf := range f.LocalForwards {
		unique("local", lf.Name)
		if !validPort(lf.RemotePort, false) {
			add("local forward %q: remote_port %d out of range", lf.Name, lf.RemotePort)
		}
		if !validPort(lf.LocalPort, true) {
			add("local forward %q: local_port %d out of range", lf.Name, lf.LocalPort)
		}
	}
	for _, rf := range f.RemoteForwards {
		unique("remote", rf.Name)
		if !validPort(rf.RemotePort, true) {
			add("remote forward %q: remote_port %d out of range", rf.Name, rf.RemotePort)
		}
		if _, _, err := net.SplitHostPort(rf.Target); err != nil {
			add("remote forward %q: target: %w", rf.Name, err)
		}
	}
	for _, df := range f.DynamicForwards {
		unique("dynamic", df.Name)
		if !validPort(df.LocalPort, true) {
			add("dynamic forward %q: local_port %d out of range", df.Name, df.LocalPort)
		}
	}
	return errors.Join(errs...)
}

// SessionConfig converts the timeouts and host key policy. Credentials are
// resolved by the caller.
func (s SessionConfig) SessionConfig() (session.Config, error) {
	cfg := session.Config{
		Password:              s.Password,
		StrictHostKeyChecking: s.StrictHostKeyChecking,
		AddUnknownHosts:       s.AddUnknownHosts,
	}

	var errs []error
	for _, d := range []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"connect_timeout", s.ConnectTimeout, &cfg.ConnectTimeout},
		{"keepalive_interval", s.KeepaliveInterval, &cfg.KeepaliveInterval},
		{"disconnect_timeout", s.DisconnectTimeout, &cfg.DisconnectTimeout},
		{"sftp_wait", s.SFTPWait, &cfg.SFTPWait},
	} {
		if d.val == "" {
			continue
		}
		v, err := time.ParseDuration(d.val)
		if err != nil {
			errs = append(errs, fmt.Errorf("session.%s: %w", d.key, err))
			continue
		}
		*d.dst = v
	}
	errs = append(errs, cfg.Validate())
	if err := errors.Join(errs...); err != nil {
		return session.Config{}, err
	}
	return cfg, nil
}

// SlogLevel parses Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
