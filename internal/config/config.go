package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "SECURECALL_"

type Config struct {
	Server  ServerConfig      `yaml:"server"`
	Calls   CallsConfig       `yaml:"calls"`
	Push    PushConfig        `yaml:"push"`
	Storage StorageConfig     `yaml:"storage"`
	ICE     ICEConfig         `yaml:"ice"`
	Log     LogConfig         `yaml:"log"`
	// Users seeds the directory: identity → access token.
	Users map[string]string `yaml:"users"`
}

type ServerConfig struct {
	Addr           string        `yaml:"addr"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	PongTimeout    time.Duration `yaml:"pong_timeout"`
	// LoginTimeout bounds the wait for the first frame of a new connection.
	LoginTimeout    time.Duration `yaml:"login_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type CallsConfig struct {
	// RingTimeout is T1. The wake timeout is always twice this value.
	RingTimeout time.Duration `yaml:"ring_timeout"`
	// TerminalGrace keeps finished calls around to absorb late duplicates.
	TerminalGrace time.Duration `yaml:"terminal_grace"`
}

func (c CallsConfig) WakeTimeout() time.Duration {
	return 2 * c.RingTimeout
}

type PushMode string

const (
	PushNone PushMode = "none"
	PushLog  PushMode = "log"
	PushHTTP PushMode = "http"
)

type PushConfig struct {
	Mode     PushMode      `yaml:"mode"`
	Endpoint string        `yaml:"endpoint"`
	APIKey   string        `yaml:"api_key"`
	Timeout  time.Duration `yaml:"timeout"`
}

type StorageDriver string

const (
	StorageMemory StorageDriver = "memory"
	StorageSQLite StorageDriver = "sqlite"
)

type StorageConfig struct {
	Driver StorageDriver `yaml:"driver"`
	Path   string        `yaml:"path"`
}

type ICEConfig struct {
	STUNURLs     []string      `yaml:"stun_urls"`
	TURNURLs     []string      `yaml:"turn_urls"`
	TURNSecret   string        `yaml:"turn_secret"`
	TURNUsername string        `yaml:"turn_username"`
	TURNPassword string        `yaml:"turn_password"`
	TTL          time.Duration `yaml:"ttl"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			WriteTimeout:    10 * time.Second,
			PongTimeout:     60 * time.Second,
			LoginTimeout:    15 * time.Second,
			ShutdownTimeout: 5 * time.Second,
		},
		Calls: CallsConfig{
			RingTimeout:   30 * time.Second,
			TerminalGrace: 5 * time.Second,
		},
		Push: PushConfig{
			Mode:    PushLog,
			Timeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Driver: StorageMemory,
			Path:   "securecall.db",
		},
		ICE: ICEConfig{
			STUNURLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
			},
			TTL: 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Users: map[string]string{},
	}
}

// Load reads path over the defaults, then applies SECURECALL_* overrides.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	list := func(name string, dst *[]string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = splitList(v)
		}
	}

	str("ADDR", &c.Server.Addr)
	list("ALLOWED_ORIGINS", &c.Server.AllowedOrigins)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("PUSH_ENDPOINT", &c.Push.Endpoint)
	str("PUSH_API_KEY", &c.Push.APIKey)
	str("STORAGE_PATH", &c.Storage.Path)
	list("STUN_URLS", &c.ICE.STUNURLs)
	list("TURN_URLS", &c.ICE.TURNURLs)
	str("TURN_SECRET", &c.ICE.TURNSecret)
	str("TURN_USERNAME", &c.ICE.TURNUsername)
	str("TURN_PASSWORD", &c.ICE.TURNPassword)

	if v, ok := lookup(EnvPrefix + "PUSH_MODE"); ok {
		c.Push.Mode = PushMode(v)
	}
	if v, ok := lookup(EnvPrefix + "STORAGE_DRIVER"); ok {
		c.Storage.Driver = StorageDriver(v)
	}
	if v, ok := lookup(EnvPrefix + "RING_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sRING_TIMEOUT: %w", EnvPrefix, err)
		}
		c.Calls.RingTimeout = d
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Calls.RingTimeout <= 0 {
		errs = append(errs, errors.New("calls.ring_timeout must be positive"))
	}
	if c.Calls.TerminalGrace < 0 {
		errs = append(errs, errors.New("calls.terminal_grace must not be negative"))
	}
	switch c.Push.Mode {
	case PushNone, PushLog:
	case PushHTTP:
		if c.Push.Endpoint == "" {
			errs = append(errs, errors.New("push.endpoint is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("push.mode %q: want none, log or http", c.Push.Mode))
	}
	switch c.Storage.Driver {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q: want memory or sqlite", c.Storage.Driver))
	}
	if len(c.ICE.TURNURLs) > 0 && c.ICE.TURNSecret == "" && c.ICE.TURNUsername == "" {
		errs = append(errs, errors.New("ice.turn_urls needs turn_secret or turn_username"))
	}
	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
