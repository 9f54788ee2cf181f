package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/margin/internal/hypothesis"
	"github.com/starford/margin/internal/render"
)

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Vault      VaultConfig       `yaml:"vault"`
	SQLite     SQLiteConfig      `yaml:"sqlite"`
	Auth       AuthConfig        `yaml:"auth"`
	Hypothesis HypothesisConfig  `yaml:"hypothesis"`
	Sync       SyncConfig        `yaml:"sync"`
	Render     RenderConfig      `yaml:"render"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return err
	}
	if err := c.Vault.Validate(); err != nil {
		return err
	}
	if err := c.SQLite.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Hypothesis.Validate(); err != nil {
		return fmt.Errorf("hypothesis: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	return nil
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

// VaultConfig holds the Markdown vault location and where new documents go.
type VaultConfig struct {
	Path             string `yaml:"path"`
	HighlightsFolder string `yaml:"highlights_folder"`
	UseDomainFolders bool   `yaml:"use_domain_folders"`
}

// Validate validates the vault configuration.
func (c *VaultConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// SQLiteConfig holds SQLite database configuration.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Validate validates the SQLite configuration.
func (c *SQLiteConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// AuthConfig holds authentication configuration for the local API.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
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

// HypothesisConfig holds the annotation service account.
type HypothesisConfig struct {
	BaseURL  string        `yaml:"base_url"`
	Token    string        `yaml:"token"`
	User     string        `yaml:"user"`
	Timeout  time.Duration `yaml:"timeout"`
	PageSize int           `yaml:"page_size"`
}

// Validate validates the annotation service configuration.
func (c *HypothesisConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Token, validation.Required),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.PageSize, validation.Min(0), validation.Max(hypothesis.MaxPageSize)),
	)
}

// ClientConfig converts to the client settings.
func (c *HypothesisConfig) ClientConfig(logger *slog.Logger) hypothesis.Config {
	return hypothesis.Config{
		BaseURL:  c.BaseURL,
		Token:    c.Token,
		User:     c.User,
		Timeout:  c.Timeout,
		PageSize: c.PageSize,
		Logger:   logger,
	}
}

// SyncConfig controls when sessions run and how they push.
type SyncConfig struct {
	// UploadConcurrency bounds concurrent pushes per document; 0 is unbounded.
	UploadConcurrency int  `yaml:"upload_concurrency"`
	OnStart           bool `yaml:"on_start"`
	// Watch starts a local session after vault edits settle.
	Watch         bool          `yaml:"watch"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// Validate validates the sync configuration.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.UploadConcurrency, validation.Min(0)),
		validation.Field(&c.WatchDebounce, validation.Min(time.Duration(0))),
	)
}

// RenderConfig customizes generated documents.
type RenderConfig struct {
	DateFormat string `yaml:"date_format"`
	// MetadataTemplate is a path to a text/template file for the document header.
	MetadataTemplate string `yaml:"metadata_template"`
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
		Vault: VaultConfig{
			Path:             "./vault",
			HighlightsFolder: "hypothesis",
		},
		SQLite: SQLiteConfig{
			Path: "./margin.db",
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		Hypothesis: HypothesisConfig{
			BaseURL:  hypothesis.DefaultBaseURL,
			Timeout:  30 * time.Second,
			PageSize: hypothesis.MaxPageSize,
		},
		Sync: SyncConfig{
			UploadConcurrency: 8,
			WatchDebounce:     5 * time.Second,
		},
		Render: RenderConfig{
			DateFormat: render.DefaultDateFormat,
		},
	}
}
