package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/tabsync/internal/localstore"
	"github.com/starford/tabsync/internal/reconcile"
	"github.com/starford/tabsync/internal/repository"
	"github.com/starford/tabsync/internal/storage"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App   ApplicationConfig `yaml:"app"`
	Store StoreConfig       `yaml:"store"`
	Sync  SyncConfig        `yaml:"sync"`
	Auth  AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Sync.Validate(); err != nil {
		return err
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// StoreConfig selects the origin tabs share.
//
// Path is a directory for "fs", a database file for "sqlite" and an
// in-process name for "memory".
type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Path       string `yaml:"path"`
	Collection string `yaml:"collection"`
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	if c.Collection == "" {
		c.Collection = localstore.DefaultCollection
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Backend, validation.Required,
			validation.In(storage.BackendFS, storage.BackendSQLite, storage.BackendMemory)),
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Collection, validation.By(func(v interface{}) error {
			return storage.ValidKey(v.(string))
		})),
	)
}

// SyncConfig controls reconciliation and conflict handling.
type SyncConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
	Policy       string        `yaml:"policy"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	if c.PollInterval == 0 {
		c.PollInterval = reconcile.DefaultInterval
	}
	if c.Policy == "" {
		c.Policy = string(repository.LastWriterWins)
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.PollInterval, validation.Min(10*time.Millisecond)),
		validation.Field(&c.Policy, validation.In(string(repository.LastWriterWins), string(repository.CompareAndSwap))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Store: StoreConfig{
			Backend:    storage.BackendFS,
			Path:       "./data",
			Collection: localstore.DefaultCollection,
		},
		Sync: SyncConfig{
			PollInterval: reconcile.DefaultInterval,
			Policy:       string(repository.LastWriterWins),
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
