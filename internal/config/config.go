// Package config loads the cmdlog server configuration from YAML, TOML or
// JSON files, with environment overrides.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendNone     = "none"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendS3       = "s3"
)

// Config is the parsed cmdlog configuration.
type Config struct {
	// Listen is the TCP address of the append/echo service. Default: :9000.
	Listen string `yaml:"listen" toml:"listen" json:"listen"`

	// Network is tcp4, tcp6 or tcp. Default: tcp4.
	Network string `yaml:"network" toml:"network" json:"network"`

	// HTTPListen enables the HTTP/WebSocket API when set.
	HTTPListen string `yaml:"http_listen" toml:"http_listen" json:"http_listen"`

	// ControlSocket is the Unix socket path for `cmdlog status`.
	// Empty uses the default under the home directory.
	ControlSocket string `yaml:"control_socket" toml:"control_socket" json:"control_socket"`

	// Capacity is the number of commands kept. 0 keeps everything in the
	// storage backend, which must then be set.
	Capacity int `yaml:"capacity" toml:"capacity" json:"capacity"`

	// Terminator is the single byte that ends a command.
	Terminator string `yaml:"terminator" toml:"terminator" json:"terminator"`

	ChunkSize     int `yaml:"chunk_size" toml:"chunk_size" json:"chunk_size"`
	MaxRecordSize int `yaml:"max_record_size" toml:"max_record_size" json:"max_record_size"`

	// ShutdownTimeout bounds the wait for in-flight sessions. Default: 10s.
	ShutdownTimeout Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout" json:"shutdown_timeout"`

	// LogFile receives a copy of the server log.
	LogFile string `yaml:"log_file" toml:"log_file" json:"log_file"`

	Storage Storage `yaml:"storage" toml:"storage" json:"storage"`
}

// Storage selects where committed commands are journaled.
type Storage struct {
	Backend string `yaml:"backend" toml:"backend" json:"backend"`

	// Path is the data file (file) or database file (sqlite).
	Path string `yaml:"path" toml:"path" json:"path"`

	// RemoveOnClose deletes the data file on shutdown.
	RemoveOnClose bool `yaml:"remove_on_close" toml:"remove_on_close" json:"remove_on_close"`

	// DSN is the database connection string (sqlite, postgres).
	DSN string `yaml:"dsn" toml:"dsn" json:"dsn"`

	// S3-compatible object storage.
	Bucket          string `yaml:"bucket" toml:"bucket" json:"bucket"`
	Prefix          string `yaml:"prefix" toml:"prefix" json:"prefix"`
	Endpoint        string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
	Region          string `yaml:"region" toml:"region" json:"region"`
	AccessKeyID     string `yaml:"access_key_id" toml:"access_key_id" json:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key" toml:"secret_access_key" json:"secret_access_key"`
}

// Duration wraps time.Duration for custom parsing.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) UnmarshalText(text []byte) error {
	return d.parse(string(text))
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(dur)
	return nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Listen:          ":9000",
		Network:         "tcp4",
		Capacity:        10,
		Terminator:      "\n",
		ChunkSize:       512,
		MaxRecordSize:   1024 * 1024,
		ShutdownTimeout: Duration(10 * time.Second),
		Storage:         Storage{Backend: BackendNone},
	}
}

// Load finds and parses a cmdlog config file in dir. Settings absent from
// the file keep their defaults. With no file it returns Default() and an
// empty filename.
func Load(dir string) (*Config, string, error) {
	candidates := []struct {
		name   string
		parser func([]byte, *Config) error
	}{
		{".cmdlog.yaml", parseYAML},
		{".cmdlog.yml", parseYAML},
		{".cmdlog.toml", parseTOML},
		{".cmdlog.json", parseJSON},
		{"cmdlog.yaml", parseYAML},
		{"cmdlog.yml", parseYAML},
		{"cmdlog.toml", parseTOML},
		{"cmdlog.json", parseJSON},
	}

	for _, c := range candidates {
		data, err := os.ReadFile(filepath.Join(dir, c.name))
		if err != nil {
			continue // File doesn't exist, try next
		}

		cfg := Default()
		if err := c.parser(data, cfg); err != nil {
			return nil, c.name, fmt.Errorf("parse %s: %w", c.name, err)
		}
		cfg.applyDefaults()

		if err := cfg.Validate(); err != nil {
			return nil, c.name, fmt.Errorf("validate %s: %w", c.name, err)
		}
		return cfg, c.name, nil
	}

	return Default(), "", nil
}

func parseYAML(data []byte, cfg *Config) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Strict: error on unknown fields
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func parseTOML(data []byte, cfg *Config) error {
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return err
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown field %q", undecoded[0].String())
	}
	return nil
}

func parseJSON(data []byte, cfg *Config) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	return decoder.Decode(cfg)
}

// ApplyEnv overrides settings from CMDLOG_* environment variables read
// through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("CMDLOG_LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("CMDLOG_HTTP_LISTEN"); v != "" {
		c.HTTPListen = v
	}
	if v := getenv("CMDLOG_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CMDLOG_CAPACITY: %w", err)
		}
		c.Capacity = n
	}
	if v := getenv("CMDLOG_STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("CMDLOG_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := getenv("CMDLOG_STORAGE_DSN"); v != "" {
		c.Storage.DSN = v
	}
	return nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Capacity < 0 {
		return fmt.Errorf("capacity must not be negative, got %d", c.Capacity)
	}
	if len(c.Terminator) != 1 {
		return fmt.Errorf("terminator must be a single byte, got %q", c.Terminator)
	}
	if c.ChunkSize < 0 || c.MaxRecordSize < 0 {
		return errors.New("chunk_size and max_record_size must not be negative")
	}
	if c.MaxRecordSize > 0 && c.ChunkSize > c.MaxRecordSize {
		return fmt.Errorf("chunk_size %d exceeds max_record_size %d", c.ChunkSize, c.MaxRecordSize)
	}
	switch c.Network {
	case "", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("unsupported network %q", c.Network)
	}

	switch c.Storage.Backend {
	case "", BackendNone:
		if c.Capacity == 0 {
			return errors.New("capacity 0 (unbounded) requires a storage backend")
		}
	case BackendFile:
	case BackendSQLite:
		if c.Storage.Path == "" && c.Storage.DSN == "" {
			return errors.New("storage: sqlite requires path or dsn")
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("storage: postgres requires dsn")
		}
	case BackendS3:
		if c.Storage.Bucket == "" {
			return errors.New("storage: s3 requires bucket")
		}
		if (c.Storage.AccessKeyID == "") != (c.Storage.SecretAccessKey == "") {
			return errors.New("storage: access_key_id and secret_access_key must be set together")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Network == "" {
		c.Network = def.Network
	}
	if c.Terminator == "" {
		c.Terminator = def.Terminator
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = def.ChunkSize
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = def.MaxRecordSize
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendNone
	}
}

// TerminatorByte returns the command terminator. Call after Validate.
func (c *Config) TerminatorByte() byte {
	if c.Terminator == "" {
		return '\n'
	}
	return c.Terminator[0]
}

// Persistent reports whether commands are journaled to a backend.
func (c *Config) Persistent() bool {
	return c.Storage.Backend != "" && c.Storage.Backend != BackendNone
}
