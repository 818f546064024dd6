package main

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	arcus "github.com/pior/arcus-cli"
	"github.com/pior/arcus-cli/frame"
	"github.com/pior/arcus-cli/internal/logging"
	"github.com/pior/arcus-cli/sasl"
)

// options are the command-line settings after the config file is merged in.
type options struct {
	Host           string
	Port           int
	UDP            bool
	RequestID      uint16
	UnixPath       string
	TimeoutMS      int
	HeaderEncoding string

	Auth           bool
	User           string
	Mechanisms     []string
	AuthTransports []string

	ConfigPath string
	LogLevel   string
}

func defaultOptions() options {
	return options{
		Host:           "localhost",
		Port:           11211,
		RequestID:      1,
		TimeoutMS:      int(arcus.DefaultTimeout / time.Millisecond),
		HeaderEncoding: frame.Base255.String(),
		AuthTransports: []string{arcus.KindTCP.String()},
	}
}

// fileConfig is the optional config file. Unset keys are nil and leave the
// defaults alone.
type fileConfig struct {
	Host           *string   `yaml:"host" toml:"host"`
	Port           *int      `yaml:"port" toml:"port"`
	UDP            *bool     `yaml:"udp" toml:"udp"`
	RequestID      *uint16   `yaml:"req_id" toml:"req_id"`
	UnixPath       *string   `yaml:"unix_path" toml:"unix_path"`
	Timeout        *string   `yaml:"timeout" toml:"timeout"`
	HeaderEncoding *string   `yaml:"header_encoding" toml:"header_encoding"`
	LogLevel       *string   `yaml:"log_level" toml:"log_level"`
	Auth           *fileAuth `yaml:"auth" toml:"auth"`
}

type fileAuth struct {
	Enabled    *bool    `yaml:"enabled" toml:"enabled"`
	User       *string  `yaml:"user" toml:"user"`
	Mechanisms []string `yaml:"mechanisms" toml:"mechanisms"`
	Transports []string `yaml:"transports" toml:"transports"`
}

// loadFileConfig reads a YAML or TOML file, chosen by extension.
func loadFileConfig(path string) (fileConfig, error) {
	var fc fileConfig

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return fileConfig{}, fmt.Errorf("load config: %w", err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return fileConfig{}, fmt.Errorf("load config: %w", err)
		}
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fileConfig{}, fmt.Errorf("load config: %w", err)
		}
	default:
		return fileConfig{}, fmt.Errorf("load config: unsupported file type %q", filepath.Ext(path))
	}
	return fc, nil
}

// merge applies fc to o. Flags the user set explicitly win over the file.
func (o *options) merge(fc fileConfig, flagSet func(name string) bool) error {
	use := func(flag string, set bool) bool {
		return set && !flagSet(flag)
	}

	if use("host", fc.Host != nil) {
		o.Host = strings.TrimSpace(*fc.Host)
	}
	if use("port", fc.Port != nil) {
		o.Port = *fc.Port
	}
	if use("udp", fc.UDP != nil) {
		o.UDP = *fc.UDP
	}
	if use("req-id", fc.RequestID != nil) {
		o.RequestID = *fc.RequestID
	}
	if use("unix-path", fc.UnixPath != nil) {
		o.UnixPath = strings.TrimSpace(*fc.UnixPath)
	}
	if use("timeout", fc.Timeout != nil) {
		d, err := parseTimeout(*fc.Timeout)
		if err != nil {
			return fmt.Errorf("parse timeout: %w", err)
		}
		o.TimeoutMS = int(d / time.Millisecond)
	}
	if use("header-encoding", fc.HeaderEncoding != nil) {
		o.HeaderEncoding = strings.TrimSpace(*fc.HeaderEncoding)
	}
	if use("log-level", fc.LogLevel != nil) {
		o.LogLevel = *fc.LogLevel
	}

	if fc.Auth == nil {
		return nil
	}
	if use("auth", fc.Auth.Enabled != nil) {
		o.Auth = *fc.Auth.Enabled
	}
	if use("user", fc.Auth.User != nil) {
		o.User = strings.TrimSpace(*fc.Auth.User)
	}
	if use("auth-mechanisms", len(fc.Auth.Mechanisms) > 0) {
		o.Mechanisms = fc.Auth.Mechanisms
	}
	if use("auth-transports", len(fc.Auth.Transports) > 0) {
		o.AuthTransports = fc.Auth.Transports
	}
	return nil
}

// parseTimeout accepts a Go duration ("300ms") or a bare number of
// milliseconds.
func parseTimeout(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(raw)
}

func (o options) endpoint() arcus.Endpoint {
	switch {
	case o.UnixPath != "":
		return arcus.Endpoint{Kind: arcus.KindUnix, Address: o.UnixPath}
	case o.UDP:
		return arcus.Endpoint{Kind: arcus.KindUDP, Address: net.JoinHostPort(o.Host, strconv.Itoa(o.Port))}
	default:
		return arcus.Endpoint{Kind: arcus.KindTCP, Address: net.JoinHostPort(o.Host, strconv.Itoa(o.Port))}
	}
}

// connectionConfig builds the transport configuration. creds is only used
// when auth is enabled.
func (o options) connectionConfig(creds sasl.Credentials) (arcus.Config, error) {
	enc, err := frame.ParseEncoding(o.HeaderEncoding)
	if err != nil {
		return arcus.Config{}, err
	}
	if o.TimeoutMS <= 0 {
		return arcus.Config{}, fmt.Errorf("timeout must be positive, got %dms", o.TimeoutMS)
	}

	cfg := arcus.Config{
		Endpoint:       o.endpoint(),
		RequestID:      o.RequestID,
		Timeout:        time.Duration(o.TimeoutMS) * time.Millisecond,
		HeaderEncoding: enc,
	}

	if o.Auth {
		kinds := make([]arcus.Kind, 0, len(o.AuthTransports))
		for _, name := range o.AuthTransports {
			k, err := arcus.ParseKind(name)
			if err != nil {
				return arcus.Config{}, err
			}
			kinds = append(kinds, k)
		}
		cfg.Auth = &arcus.AuthConfig{
			Credentials: creds,
			Mechanisms:  o.Mechanisms,
			Kinds:       kinds,
		}
	}
	return cfg, cfg.Validate()
}

// authRequired reports whether the handshake will run on the chosen
// transport, and credentials are needed.
func (o options) authRequired() bool {
	if !o.Auth {
		return false
	}
	kind := o.endpoint().Kind
	for _, name := range o.AuthTransports {
		if k, err := arcus.ParseKind(name); err == nil && k == kind {
			return true
		}
	}
	return false
}

func (o options) logConfig() logging.Config {
	cfg := logging.DefaultConfig()
	logging.ApplyEnv(&cfg)
	if lvl, ok := logging.ParseLevel(o.LogLevel); ok {
		cfg.Level = lvl
	}
	return cfg
}
