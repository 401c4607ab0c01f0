package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Accounts   []AccountConfig  `mapstructure:"accounts" toml:"accounts"`
	HTTP       HTTPConfig       `mapstructure:"http" toml:"http"`
	Store      StoreConfig      `mapstructure:"store" toml:"store"`
	API        APIConfig        `mapstructure:"api" toml:"api"`
	Navigation NavigationConfig `mapstructure:"navigation" toml:"navigation"`
	Logging    LoggingConfig    `mapstructure:"logging" toml:"logging"`
}

// AccountConfig describes one library catalog and its stored credentials
type AccountConfig struct {
	ID           string `mapstructure:"id" toml:"id"`
	Title        string `mapstructure:"title" toml:"title"`
	Catalog      string `mapstructure:"catalog" toml:"catalog"` // Root feed URI
	RequiresAuth bool   `mapstructure:"requires_auth" toml:"requires_auth"`
	Username     string `mapstructure:"username" toml:"username"`
	Password     string `mapstructure:"password" toml:"password"`
	Token        string `mapstructure:"token" toml:"token"` // Bearer token, preferred over username/password
}

// HTTPConfig holds catalog client configuration
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" toml:"timeout"`
	UserAgent string        `mapstructure:"user_agent" toml:"user_agent"`
}

// StoreConfig holds local database configuration
type StoreConfig struct {
	Dir string `mapstructure:"dir" toml:"dir"` // Empty keeps state in memory only
}

// APIConfig holds the local control API configuration
type APIConfig struct {
	Listen string `mapstructure:"listen" toml:"listen"`
}

// NavigationConfig holds browsing preferences
type NavigationConfig struct {
	HistoryLimit int `mapstructure:"history_limit" toml:"history_limit"` // 0 = unbounded
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	File  string `mapstructure:"file" toml:"file"`
	Level string `mapstructure:"level" toml:"level"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Timeout:   30 * time.Second,
			UserAgent: "stacks/1.0",
		},
		Store: StoreConfig{
			Dir: defaultDataPath(),
		},
		API: APIConfig{
			Listen: "127.0.0.1:7373",
		},
		Logging: LoggingConfig{
			File:  filepath.Join(defaultDataPath(), "stacks.log"),
			Level: "INFO",
		},
	}
}

// defaultDataPath returns the default data directory for the current OS
func defaultDataPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("LOCALAPPDATA"), "stacks")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".local", "share", "stacks")
	}
}

// defaultConfigPath returns the default config directory for the current OS
func defaultConfigPath() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("APPDATA"), "stacks")
	default:
		home, _ := os.UserHomeDir()
		return filepath.Join(home, ".config", "stacks")
	}
}

// Load reads configuration from path, or from the default locations when
// path is empty, then applies STACKS_* environment overrides. A missing
// config file is not an error. The returned viper instance is needed to
// save or watch the same file.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigPath())
		v.AddConfigPath(".")
	}

	// Environment variable overrides (STACKS_LOGGING_LEVEL, ...)
	v.SetEnvPrefix("STACKS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !(path != "" && errors.Is(err, os.ErrNotExist)) {
			return nil, nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, use defaults
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	// AutomaticEnv only consults keys viper already knows about
	v.SetDefault("http.timeout", cfg.HTTP.Timeout)
	v.SetDefault("http.user_agent", cfg.HTTP.UserAgent)
	v.SetDefault("store.dir", cfg.Store.Dir)
	v.SetDefault("api.listen", cfg.API.Listen)
	v.SetDefault("navigation.history_limit", cfg.Navigation.HistoryLimit)
	v.SetDefault("logging.file", cfg.Logging.File)
	v.SetDefault("logging.level", cfg.Logging.Level)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// normalize fills in derived values
func (c *Config) normalize() {
	for i := range c.Accounts {
		a := &c.Accounts[i]
		// Stable across runs so persisted books keep their owner
		if a.ID == "" && a.Catalog != "" {
			a.ID = uuid.NewSHA1(uuid.NameSpaceURL, []byte(a.Catalog)).String()
		}
		if a.Title == "" {
			a.Title = a.ID
		}
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = 30 * time.Second
	}
}

// Validate checks that accounts are usable
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, a := range c.Accounts {
		if a.Catalog == "" {
			return fmt.Errorf("account %q has no catalog URL", a.ID)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate account id %q", a.ID)
		}
		seen[a.ID] = true
	}
	if c.Navigation.HistoryLimit < 0 {
		return fmt.Errorf("navigation.history_limit must not be negative")
	}
	return nil
}

// Account returns the account with the given id
func (c *Config) Account(id string) (*AccountConfig, bool) {
	for i := range c.Accounts {
		if c.Accounts[i].ID == id {
			return &c.Accounts[i], true
		}
	}
	return nil, false
}

// DefaultAccount returns the first configured account
func (c *Config) DefaultAccount() (*AccountConfig, bool) {
	if len(c.Accounts) == 0 {
		return nil, false
	}
	return &c.Accounts[0], true
}

// Save writes cfg back to the file v was loaded from, or to the default
// location when v had no file.
func Save(v *viper.Viper, cfg *Config) error {
	configFile := v.ConfigFileUsed()
	if configFile == "" {
		configFile = filepath.Join(defaultConfigPath(), "config.yaml")
	}
	if err := os.MkdirAll(filepath.Dir(configFile), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Set fields individually to ensure correct key names (snake_case)
	accounts := make([]map[string]any, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		accounts[i] = map[string]any{
			"id":            a.ID,
			"title":         a.Title,
			"catalog":       a.Catalog,
			"requires_auth": a.RequiresAuth,
			"username":      a.Username,
			"password":      a.Password,
			"token":         a.Token,
		}
	}
	v.Set("accounts", accounts)
	v.Set("http.timeout", cfg.HTTP.Timeout.String())
	v.Set("http.user_agent", cfg.HTTP.UserAgent)
	v.Set("store.dir", cfg.Store.Dir)
	v.Set("api.listen", cfg.API.Listen)
	v.Set("navigation.history_limit", cfg.Navigation.HistoryLimit)
	v.Set("logging.file", cfg.Logging.File)
	v.Set("logging.level", cfg.Logging.Level)

	if err := v.WriteConfigAs(configFile); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Watch calls fn with the re-read configuration whenever the config file
// changes. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *slog.Logger, fn func(*Config)) {
	if logger == nil {
		logger = slog.Default()
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			logger.Warn("ignoring invalid config change", "error", err, "file", e.Name)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		fn(cfg)
	})
	v.WatchConfig()
}

// Dump renders the configuration as TOML with secrets masked
func Dump(cfg *Config) ([]byte, error) {
	redacted := *cfg
	redacted.Accounts = make([]AccountConfig, len(cfg.Accounts))
	for i, a := range cfg.Accounts {
		if a.Password != "" {
			a.Password = "********"
		}
		if a.Token != "" {
			a.Token = "********"
		}
		redacted.Accounts[i] = a
	}
	return toml.Marshal(redacted)
}
