package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Cache   CacheConfig   `toml:"cache"`
	Remote  RemoteConfig  `toml:"remote"`
	Audio   AudioConfig   `toml:"audio"`
	Library LibraryConfig `toml:"library"`
	Auth    AuthConfig    `toml:"auth"`
	Logging LoggingConfig `toml:"logging"`
	Output  OutputConfig  `toml:"output"`
	Ngrok   NgrokConfig   `toml:"ngrok"`
}

// ServerConfig contains HTTP API configuration
type ServerConfig struct {
	Port        string `toml:"port"`
	Host        string `toml:"host"`
	StaticDir   string `toml:"static_dir"`
	EnableCORS  bool   `toml:"enable_cors"`
	ReadTimeout int    `toml:"read_timeout_seconds"`
}

// CacheConfig contains blob cache configuration
type CacheConfig struct {
	Backend  string `toml:"backend"` // sqlite or memory
	Path     string `toml:"path"`
	MaxBytes int64  `toml:"max_bytes"` // 0 means no quota
}

// RemoteConfig contains the remote collaborator endpoints
type RemoteConfig struct {
	IssuerURL           string  `toml:"issuer_url"`
	CatalogURL          string  `toml:"catalog_url"`
	IssuerToken         string  `toml:"issuer_token"`
	RequestsPerSecond   float64 `toml:"requests_per_second"`
	FetchTimeoutSeconds int     `toml:"fetch_timeout_seconds"`
}

// AudioConfig contains engine audio configuration
type AudioConfig struct {
	SampleRate        int      `toml:"sample_rate"`
	ResampleQuality   int      `toml:"resample_quality"`
	RefreshIntervalMs int      `toml:"refresh_interval_ms"`
	SupportedFormats  []string `toml:"supported_formats"`
}

// LibraryConfig contains the guest-local track library configuration
type LibraryConfig struct {
	DatabasePath string `toml:"database_path"`
	InboxPath    string `toml:"inbox_path"`
	WatchInbox   bool   `toml:"watch_inbox"`
	MaxUploadMB  int64  `toml:"max_upload_mb"`
}

// AuthConfig contains authentication configuration
type AuthConfig struct {
	Enabled         bool   `toml:"enabled"`
	UsersFilePath   string `toml:"users_file"`
	SessionDuration string `toml:"session_duration"`
	SecureCookies   bool   `toml:"secure_cookies"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level          string `toml:"level"`
	Format         string `toml:"format"`
	File           string `toml:"file"`
	RequestLogging bool   `toml:"request_logging"`
}

// OutputConfig selects where the master bus is rendered
type OutputConfig struct {
	Mode         string `toml:"mode"` // speaker, webrtc or none
	BufferMs     int    `toml:"buffer_ms"`
	OpusBitrate  int    `toml:"opus_bitrate"`
	ListenerSize int    `toml:"listener_buffer_frames"`
}

// NgrokConfig contains ngrok tunnel configuration
type NgrokConfig struct {
	Enabled      bool   `toml:"enabled"`
	AuthToken    string `toml:"auth_token"`
	Domain       string `toml:"domain"`
	Region       string `toml:"region"`
	EnableAuth   bool   `toml:"enable_auth"`
	AuthProvider string `toml:"auth_provider"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        "8080",
			Host:        "0.0.0.0",
			StaticDir:   "./static",
			EnableCORS:  true,
			ReadTimeout: 30,
		},
		Cache: CacheConfig{
			Backend:  "sqlite",
			Path:     "./turntable-cache.db",
			MaxBytes: 0,
		},
		Remote: RemoteConfig{
			IssuerURL:           "",
			CatalogURL:          "",
			RequestsPerSecond:   5,
			FetchTimeoutSeconds: 60,
		},
		Audio: AudioConfig{
			SampleRate:        48000,
			ResampleQuality:   4,
			RefreshIntervalMs: 16, // about one render frame
			SupportedFormats:  []string{".mp3", ".flac", ".wav"},
		},
		Library: LibraryConfig{
			DatabasePath: "./turntable-library.db",
			InboxPath:    "./inbox",
			WatchInbox:   false,
			MaxUploadMB:  100,
		},
		Auth: AuthConfig{
			Enabled:         false,
			UsersFilePath:   "./users.toml",
			SessionDuration: "24h",
			SecureCookies:   false,
		},
		Logging: LoggingConfig{
			Level:          "info",
			Format:         "text",
			File:           "",
			RequestLogging: true,
		},
		Output: OutputConfig{
			Mode:         "speaker",
			BufferMs:     100,
			OpusBitrate:  128000,
			ListenerSize: 150,
		},
		Ngrok: NgrokConfig{
			Enabled:      false,
			Region:       "us",
			AuthProvider: "google",
		},
	}
}

// LoadConfig loads configuration from a TOML file
func LoadConfig(configPath string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// Create the file with defaults on first run
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.SaveToFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config file: %w", err)
		}
		return cfg, nil
	}

	if _, err := toml.DecodeFile(configPath, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// SaveToFile saves the configuration to a TOML file
func (c *Config) SaveToFile(configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	file, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer file.Close()

	header := `# Turntable Console Configuration
# Two-deck mixing console engine. Edit the values below to customize the console.
# Secrets (issuer token, ngrok token) can also be supplied through a .env file.

`
	if _, err := file.WriteString(header); err != nil {
		return fmt.Errorf("failed to write config header: %w", err)
	}

	encoder := toml.NewEncoder(file)
	if err := encoder.Encode(c); err != nil {
		return fmt.Errorf("failed to encode config to TOML: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Server.Host == "" {
		return fmt.Errorf("server host cannot be empty")
	}
	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be positive")
	}

	switch c.Cache.Backend {
	case "sqlite":
		if c.Cache.Path == "" {
			return fmt.Errorf("cache path cannot be empty for the sqlite backend")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid cache backend: %s (must be sqlite or memory)", c.Cache.Backend)
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("cache max bytes cannot be negative")
	}

	if c.Remote.RequestsPerSecond <= 0 {
		return fmt.Errorf("remote requests per second must be positive")
	}
	if c.Remote.FetchTimeoutSeconds < 1 {
		return fmt.Errorf("remote fetch timeout must be at least 1 second")
	}

	if c.Audio.SampleRate < 8000 {
		return fmt.Errorf("audio sample rate must be at least 8000")
	}
	if c.Audio.ResampleQuality < 1 || c.Audio.ResampleQuality > 64 {
		return fmt.Errorf("audio resample quality must be between 1 and 64")
	}
	if c.Audio.RefreshIntervalMs < 1 {
		return fmt.Errorf("audio refresh interval must be at least 1ms")
	}
	if len(c.Audio.SupportedFormats) == 0 {
		return fmt.Errorf("at least one supported audio format must be specified")
	}

	if c.Library.DatabasePath == "" {
		return fmt.Errorf("library database path cannot be empty")
	}
	if c.Library.WatchInbox && c.Library.InboxPath == "" {
		return fmt.Errorf("library inbox path is required when watching the inbox")
	}
	if c.Library.MaxUploadMB < 1 {
		return fmt.Errorf("library max upload size must be at least 1MB")
	}

	if c.Auth.Enabled {
		if _, err := time.ParseDuration(c.Auth.SessionDuration); err != nil {
			return fmt.Errorf("invalid auth session duration: %w", err)
		}
		if c.Auth.UsersFilePath == "" {
			return fmt.Errorf("auth users file cannot be empty")
		}
	}

	validModes := map[string]bool{"speaker": true, "webrtc": true, "none": true}
	if !validModes[c.Output.Mode] {
		return fmt.Errorf("invalid output mode: %s (must be speaker, webrtc, or none)", c.Output.Mode)
	}
	if c.Output.BufferMs < 1 {
		return fmt.Errorf("output buffer must be at least 1ms")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"text": true, "json": true,
	}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (must be text or json)", c.Logging.Format)
	}

	return nil
}

// GetAddress returns the full server address
func (c *Config) GetAddress() string {
	return c.Server.Host + ":" + c.Server.Port
}

// RefreshInterval returns the deck position refresh period
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Audio.RefreshIntervalMs) * time.Millisecond
}

// FetchTimeout returns the upper bound for a shared remote fetch
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Remote.FetchTimeoutSeconds) * time.Second
}

// RemoteEnabled reports whether remote collaborators are configured
func (c *Config) RemoteEnabled() bool {
	return c.Remote.IssuerURL != ""
}

// IsFormatSupported checks if an audio format is supported
func (c *Config) IsFormatSupported(format string) bool {
	for _, supported := range c.Audio.SupportedFormats {
		if supported == format {
			return true
		}
	}
	return false
}
