package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultConfigFileName = "airelay.toml"
	defaultListenAddr     = "0.0.0.0:8080"
	defaultMaxConns       = 10

	StreamFormatNDJSON = "ndjson"
	StreamFormatSSE    = "sse"
)

type UpstreamConfig struct {
	URL            string `toml:"url"`
	APIKey         string `toml:"api_key,omitempty"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type ModelsConfig struct {
	Default string   `toml:"default"`
	Allowed []string `toml:"allowed"`
}

type DatabaseConfig struct {
	URL      string `toml:"url,omitempty"`
	MaxConns int    `toml:"max_conns,omitempty"`
}

type StreamConfig struct {
	Format string `toml:"format"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

// Config is read once at startup. Nothing mutates it afterwards; components
// receive copies.
type Config struct {
	ListenAddr        string         `toml:"listen_addr"`
	TrustForwardedFor bool           `toml:"trust_forwarded_for"`
	Upstream          UpstreamConfig `toml:"upstream"`
	Models            ModelsConfig   `toml:"models"`
	Database          DatabaseConfig `toml:"database"`
	Stream            StreamConfig   `toml:"stream"`
	Log               LogConfig      `toml:"log"`
	TLS               TLSConfig      `toml:"tls"`
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "airelay", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "airelay", "tls-autocert")
}

func NewDefault() *Config {
	return &Config{
		ListenAddr: defaultListenAddr,
		Upstream: UpstreamConfig{
			URL: "https://api.groq.com/openai/v1/chat/completions",
		},
		Models: ModelsConfig{
			Default: "openai/gpt-oss-20b",
			Allowed: []string{},
		},
		Database: DatabaseConfig{
			MaxConns: defaultMaxConns,
		},
		Stream: StreamConfig{Format: StreamFormatNDJSON},
		Log:    LogConfig{Level: "info", Format: "text"},
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

// LoadEnvFile loads KEY=value pairs from a dotenv file into the process
// environment. Variables that are already set win. A missing file is only an
// error when required is set.
func LoadEnvFile(path string, required bool) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if !required && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load reads the TOML file at path (a missing file means defaults), applies
// environment overrides, then normalizes and validates.
func Load(path string, lookup LookupFunc) (*Config, error) {
	cfg := NewDefault()
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := toml.Unmarshal(b, cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		}
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overlays the deployment environment variables on top of the file.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("KEY", &c.Upstream.APIKey)
	str("COMPLETIONS_URL", &c.Upstream.URL)
	str("DEFAULT_MODEL", &c.Models.Default)
	str("DATABASE_URL", &c.Database.URL)
	str("PROD_DOMAIN", &c.TLS.Domain)
	str("AIRELAY_LOG_LEVEL", &c.Log.Level)
	str("AIRELAY_LOG_FORMAT", &c.Log.Format)
	if v, ok := lookup("ALLOWED_MODELS"); ok && strings.TrimSpace(v) != "" {
		c.Models.Allowed = SplitModels(v)
	}
	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("PORT must be a TCP port number, got %q", v)
		}
		c.ListenAddr = "0.0.0.0:" + strconv.Itoa(port)
	}
	return nil
}

// SplitModels parses a comma-delimited model list.
func SplitModels(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = defaultListenAddr
	}
	c.Upstream.URL = strings.TrimSpace(c.Upstream.URL)
	c.Upstream.APIKey = strings.TrimSpace(c.Upstream.APIKey)
	c.Models.Default = strings.TrimSpace(c.Models.Default)

	seen := map[string]struct{}{}
	allowed := make([]string, 0, len(c.Models.Allowed)+1)
	for _, m := range c.Models.Allowed {
		m = strings.TrimSpace(m)
		if m == "" {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		allowed = append(allowed, m)
	}
	if _, ok := seen[c.Models.Default]; !ok && c.Models.Default != "" {
		allowed = append(allowed, c.Models.Default)
	}
	c.Models.Allowed = allowed

	c.Database.URL = strings.TrimSpace(c.Database.URL)
	if c.Database.MaxConns <= 0 {
		c.Database.MaxConns = defaultMaxConns
	}
	c.Stream.Format = strings.ToLower(strings.TrimSpace(c.Stream.Format))
	if c.Stream.Format == "" {
		c.Stream.Format = StreamFormatNDJSON
	}
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Upstream.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("upstream.url must be an absolute http(s) URL, got %q", c.Upstream.URL)
	}
	if c.Upstream.APIKey == "" {
		return errors.New("upstream.api_key is required (or set KEY)")
	}
	if c.Upstream.TimeoutSeconds < 0 {
		return errors.New("upstream.timeout_seconds must be >= 0")
	}
	if c.Models.Default == "" {
		return errors.New("models.default is required (or set DEFAULT_MODEL)")
	}
	if c.Stream.Format != StreamFormatNDJSON && c.Stream.Format != StreamFormatSSE {
		return errors.New("stream.format must be one of ndjson, sse")
	}
	switch c.Log.Format {
	case "text", "json", "logfmt":
	default:
		return errors.New("log.format must be one of text, json, logfmt")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}

// Secrets lists configured values that must never be logged.
func (c Config) Secrets() []string {
	out := []string{}
	if c.Upstream.APIKey != "" {
		out = append(out, c.Upstream.APIKey)
	}
	if u, err := url.Parse(c.Database.URL); err == nil && u.User != nil {
		if pw, ok := u.User.Password(); ok && pw != "" {
			out = append(out, pw)
		}
	}
	return out
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	out := c
	out.Models.Allowed = append([]string(nil), c.Models.Allowed...)
	if out.Upstream.APIKey != "" {
		out.Upstream.APIKey = "[redacted]"
	}
	if u, err := url.Parse(c.Database.URL); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "redacted")
			out.Database.URL = u.String()
		}
	}
	return out
}

func Save(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return writeAtomic(path, v)
}

func Marshal(v any) ([]byte, error) {
	return marshalTOML(v)
}

func writeAtomic(path string, v any) error {
	b, err := marshalTOML(v)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func marshalTOML(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	enc.SetArraysMultiline(true)
	enc.SetIndentSymbol("  ")
	enc.SetIndentTables(true)
	enc.SetTablesInline(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if len(out) > 0 && out[len(out)-1] != '\n' {
		out = append(out, '\n')
	}
	return out, nil
}
