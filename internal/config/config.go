// Package config loads a session configuration from TOML, environment
// variables and flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/devsession/internal/builder"
	"github.com/loykin/devsession/internal/env"
	"github.com/loykin/devsession/internal/logger"
	tlsx "github.com/loykin/devsession/internal/tls"
)

// EnvPrefix prefixes environment overrides, e.g. DEVSESSION_PROXY_LISTEN.
const EnvPrefix = "DEVSESSION"

// Config represents the top-level TOML structure.
//
//	account = "acme"
//	service = "web"
//	token = "${DEVSESSION_TOKEN}"
//	api_url = "https://api.example.com"
//	registry = "registry.example.com"
//
//	[build]
//	context = "."
//	[proxy]
//	listen = "127.0.0.1:7070"
//	[watch]
//	enabled = true
type Config struct {
	Account         string        `mapstructure:"account"`
	Service         string        `mapstructure:"service"`
	Token           string        `mapstructure:"token"`
	APIURL          string        `mapstructure:"api_url"`
	Registry        string        `mapstructure:"registry"`
	Env             []string      `mapstructure:"env"`
	EnvFiles        []string      `mapstructure:"env_files"`
	UseOSEnv        bool          `mapstructure:"use_os_env"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	Build   BuildConfig        `mapstructure:"build"`
	Proxy   ProxyConfig        `mapstructure:"proxy"`
	Watch   WatchConfig        `mapstructure:"watch"`
	Spawn   SpawnConfig        `mapstructure:"spawn"`
	Log     logger.Config      `mapstructure:"log"`
	Metrics MetricsConfig      `mapstructure:"metrics"`
	History HistoryConfig      `mapstructure:"history"`
	// TLS configures trust for api_url when it is served with a private CA.
	TLS tlsx.ClientConfig `mapstructure:"tls"`
}

// BuildConfig describes the image build. Args are "KEY=VALUE" entries; viper
// lowercases map keys, so build args are kept as a list.
type BuildConfig struct {
	ContextDir string   `mapstructure:"context"`
	Dockerfile string   `mapstructure:"dockerfile"`
	Tag        string   `mapstructure:"tag"`
	Args       []string `mapstructure:"args"`
}

// Descriptor returns the builder input.
func (b BuildConfig) Descriptor() builder.Descriptor {
	return builder.Descriptor{
		ContextDir: b.ContextDir,
		Dockerfile: b.Dockerfile,
		Tag:        b.Tag,
		BuildArgs:  pairs(b.Args),
	}
}

type ProxyConfig struct {
	Listen string `mapstructure:"listen"`
}

// WatchConfig enables rebuild on source changes. Paths default to the build context.
type WatchConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Paths    []string      `mapstructure:"paths"`
	Debounce time.Duration `mapstructure:"debounce"`
	Ignore   []string      `mapstructure:"ignore"`
}

// SpawnConfig holds values applied to spawn requests that leave them unset.
// Env entries are "KEY=VALUE".
type SpawnConfig struct {
	GracePeriodSeconds int      `mapstructure:"grace_period_seconds"`
	Port               int      `mapstructure:"port"`
	Env                []string `mapstructure:"env"`
}

// EnvMap returns Env as a map; later entries win.
func (s SpawnConfig) EnvMap() map[string]string {
	return pairs(s.Env)
}

func pairs(kvs []string) map[string]string {
	if len(kvs) == 0 {
		return nil
	}
	m := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		m[strings.TrimSpace(k)] = v
	}
	return m
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// HistoryConfig lists sink DSNs, see history/factory.
type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	DSNs    []string `mapstructure:"dsns"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("account", "")
	v.SetDefault("service", "")
	v.SetDefault("token", "")
	v.SetDefault("api_url", "")
	v.SetDefault("registry", "")
	v.SetDefault("use_os_env", true)
	v.SetDefault("shutdown_timeout", "30s")

	v.SetDefault("build.context", ".")
	v.SetDefault("build.dockerfile", "Dockerfile")
	v.SetDefault("build.tag", "")

	v.SetDefault("proxy.listen", "127.0.0.1:7070")

	v.SetDefault("watch.enabled", false)
	v.SetDefault("watch.debounce", "300ms")

	v.SetDefault("spawn.grace_period_seconds", 0)
	v.SetDefault("spawn.port", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", false)
	v.SetDefault("log.file.dir", ".devsession")
	v.SetDefault("log.file.filename", logger.DefaultFilename)
	v.SetDefault("log.file.backend_dir", "")
	v.SetDefault("log.file.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.file.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.file.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.file.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	v.SetDefault("history.enabled", false)

	v.SetDefault("tls.ca_file", "")
	v.SetDefault("tls.cert_file", "")
	v.SetDefault("tls.key_file", "")
	v.SetDefault("tls.server_name", "")
	v.SetDefault("tls.min_version", "")
	v.SetDefault("tls.max_version", "")
	v.SetDefault("tls.insecure_skip_verify", false)
}

// New returns a viper instance with defaults and environment overrides set.
// Callers may bind flags to it before calling Decode.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return v, nil
}

// Decode unmarshals v and resolves ${VAR} references in string settings.
func Decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.expand(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Load reads path (optional) and applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	v, err := New(path)
	if err != nil {
		return nil, err
	}
	return Decode(v)
}

func (c *Config) expand() error {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		if err := e.LoadFile(p); err != nil {
			return fmt.Errorf("env file %s: %w", p, err)
		}
	}
	e.SetPairs(c.Env)

	for _, s := range []*string{&c.Account, &c.Service, &c.Token, &c.APIURL, &c.Registry, &c.Build.Tag,
		&c.TLS.CAFile, &c.TLS.CertFile, &c.TLS.KeyFile} {
		*s = e.Expand(*s)
	}
	for i, kv := range c.Build.Args {
		c.Build.Args[i] = e.Expand(kv)
	}
	for i, kv := range c.Spawn.Env {
		c.Spawn.Env[i] = e.Expand(kv)
	}
	for i, dsn := range c.History.DSNs {
		c.History.DSNs[i] = e.Expand(dsn)
	}
	return nil
}

// WatchPaths returns the directories to watch.
func (c *Config) WatchPaths() []string {
	if len(c.Watch.Paths) > 0 {
		return c.Watch.Paths
	}
	return []string{c.Build.ContextDir}
}

// Validate reports every missing or malformed setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Account == "" {
		errs = append(errs, errors.New("account is required"))
	}
	if c.Service == "" {
		errs = append(errs, errors.New("service is required"))
	} else if strings.ContainsAny(c.Service, "/ ") {
		errs = append(errs, fmt.Errorf("service %q must not contain '/' or spaces", c.Service))
	}
	if c.APIURL == "" {
		errs = append(errs, errors.New("api_url is required"))
	} else if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("api_url %q must be an http(s) URL", c.APIURL))
	}
	if c.Registry == "" {
		errs = append(errs, errors.New("registry is required"))
	}
	if c.Build.ContextDir == "" {
		errs = append(errs, errors.New("build.context is required"))
	}
	if c.Proxy.Listen == "" {
		errs = append(errs, errors.New("proxy.listen is required"))
	}
	if c.ShutdownTimeout < 0 {
		errs = append(errs, errors.New("shutdown_timeout must not be negative"))
	}
	if c.Spawn.GracePeriodSeconds < 0 || c.Spawn.Port < 0 {
		errs = append(errs, errors.New("spawn defaults must not be negative"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics.listen is required when metrics are enabled"))
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		errs = append(errs, errors.New("tls.cert_file and tls.key_file must be set together"))
	}
	if c.History.Enabled && len(c.History.DSNs) == 0 {
		errs = append(errs, errors.New("history.dsns is required when history is enabled"))
	}
	return errors.Join(errs...)
}
