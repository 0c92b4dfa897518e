package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"parley/internal/models"
)

const (
	AppName            = "parley"
	DefaultModel       = "gpt-4o"
	DefaultSystem      = "You are a helpful assistant named Parley."
	DefaultCodeTheme   = "monokai"
	DefaultTheme       = "nebula"
	SystemPromptEnv    = "PARLEY_SYSTEM_PROMPT"
	LogLevelEnv        = "PARLEY_LOG_LEVEL"
	DriverSQLite       = "sqlite"
	DriverBolt         = "bolt"
	defaultConfigFile  = "config.toml"
	defaultLogFile     = "parley.log"
	defaultSQLiteFile  = "parley.db"
	defaultBoltFile    = "parley.bolt"
	themeDirName       = "themes"
	defaultConfigPerms = 0o600
)

// Model is a user-declared model in the config file.
type Model struct {
	ID            string  `toml:"id,omitempty"`
	Name          string  `toml:"name"`
	DisplayName   string  `toml:"display_name,omitempty"`
	Provider      string  `toml:"provider,omitempty"`
	Product       string  `toml:"product,omitempty"`
	Description   string  `toml:"description,omitempty"`
	APIKey        string  `toml:"api_key,omitempty"`
	APIBase       string  `toml:"api_base,omitempty"`
	Organization  string  `toml:"organization,omitempty"`
	ContextWindow int     `toml:"context_window,omitempty"`
	Temperature   float64 `toml:"temperature,omitempty"`
	MaxRetries    int     `toml:"max_retries,omitempty"`
}

func (m Model) Reference() models.ModelReference {
	return models.ModelReference{
		ID:            m.ID,
		Name:          m.Name,
		DisplayName:   m.DisplayName,
		Provider:      m.Provider,
		Product:       m.Product,
		Description:   m.Description,
		APIKey:        m.APIKey,
		APIBase:       m.APIBase,
		Organization:  m.Organization,
		ContextWindow: m.ContextWindow,
		Temperature:   m.Temperature,
		MaxRetries:    m.MaxRetries,
	}
}

type Storage struct {
	Driver string `toml:"driver"`
	Path   string `toml:"path,omitempty"`
}

type Log struct {
	Level string `toml:"level"`
	Path  string `toml:"path,omitempty"`
}

// LaunchConfig is the configuration of the application at launch. It is
// read once and handed to the components that need it.
type LaunchConfig struct {
	DefaultModel          string  `toml:"default_model"`
	SystemPrompt          string  `toml:"system_prompt"`
	MessageCodeTheme      string  `toml:"message_code_theme"`
	Theme                 string  `toml:"theme"`
	PreserveSystemMessage bool    `toml:"preserve_system_message"`
	Models                []Model `toml:"models,omitempty"`
	Storage               Storage `toml:"storage"`
	Log                   Log     `toml:"log"`
}

func Default() LaunchConfig {
	system := DefaultSystem
	if env := strings.TrimSpace(os.Getenv(SystemPromptEnv)); env != "" {
		system = env
	}
	return LaunchConfig{
		DefaultModel:          DefaultModel,
		SystemPrompt:          system,
		MessageCodeTheme:      DefaultCodeTheme,
		Theme:                 DefaultTheme,
		PreserveSystemMessage: true,
		Storage:               Storage{Driver: DriverSQLite},
		Log:                   Log{Level: "info"},
	}
}

// ModelReferences converts the configured models for the registry.
func (c LaunchConfig) ModelReferences() []models.ModelReference {
	out := make([]models.ModelReference, 0, len(c.Models))
	for _, m := range c.Models {
		out = append(out, m.Reference())
	}
	return out
}

func (c LaunchConfig) Validate() error {
	if strings.TrimSpace(c.DefaultModel) == "" {
		return errors.New("default_model must not be empty")
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverBolt:
	default:
		return errors.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if strings.TrimSpace(m.Name) == "" {
			return errors.Errorf("models[%d]: name is required", i)
		}
		key := m.Reference().LookupKey()
		if seen[key] {
			return errors.Errorf("models[%d]: duplicate model key %q", i, key)
		}
		seen[key] = true
		if m.MaxRetries < 0 {
			return errors.Errorf("models[%d]: max_retries must not be negative", i)
		}
	}
	return nil
}

// Dir returns the directory holding the config file and the default database.
func Dir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			return "", errors.Wrap(err, "locating config directory")
		}
		configDir = filepath.Join(homeDir, ".config")
	}
	return filepath.Join(configDir, AppName), nil
}

func DefaultPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, defaultConfigFile), nil
}

// ThemeDir is where user theme files are looked up.
func ThemeDir() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, themeDirName), nil
}

// Load reads the TOML file at path over the defaults. A missing file is not
// an error. An empty path means DefaultPath.
func Load(path string) (LaunchConfig, error) {
	cfg := Default()
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, errors.Wrapf(err, "decoding %s", path)
		}
	} else if !os.IsNotExist(err) {
		return cfg, errors.Wrapf(err, "reading %s", path)
	}

	if env := strings.TrimSpace(os.Getenv(SystemPromptEnv)); env != "" {
		cfg.SystemPrompt = env
	}
	if env := strings.TrimSpace(os.Getenv(LogLevelEnv)); env != "" {
		cfg.Log.Level = env
	}
	if err := cfg.fillPaths(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, errors.Wrap(err, "invalid config")
	}
	return cfg, nil
}

func (c *LaunchConfig) fillPaths() error {
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverSQLite
	}
	if c.Storage.Path != "" && c.Log.Path != "" {
		return nil
	}
	dir, err := Dir()
	if err != nil {
		return err
	}
	if c.Storage.Path == "" {
		name := defaultSQLiteFile
		if c.Storage.Driver == DriverBolt {
			name = defaultBoltFile
		}
		c.Storage.Path = filepath.Join(dir, name)
	}
	if c.Log.Path == "" {
		c.Log.Path = filepath.Join(dir, defaultLogFile)
	}
	return nil
}

// Write encodes cfg as TOML at path, creating parent directories.
func Write(cfg LaunchConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, defaultConfigPerms)
	if err != nil {
		return errors.Wrap(err, "creating config file")
	}
	defer file.Close()

	if err := toml.NewEncoder(file).Encode(cfg); err != nil {
		return errors.Wrap(err, "encoding config")
	}
	return nil
}
