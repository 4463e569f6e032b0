package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "CENTRAL_UPDATER"
	defaultDatabasePath = "updater.db"
	defaultLegacyCache  = "cache.json"
	defaultLogLevel     = "info"
)

// SourceForm declares one form that contributes entity updates, in the order
// forms are listed in configuration. Declaration order is load-bearing: it is
// the tie-break rank used when two submissions share a timestamp.
type SourceForm struct {
	FormID string   `mapstructure:"form_id"`
	Fields []string `mapstructure:"fields"`
}

// AppConfig captures runtime configuration for one sync run.
type AppConfig struct {
	ServerURL      string
	Username       string
	Password       string
	Project        string
	EntityKey      string
	EntityFilename string
	AttachedTo     []string
	UpdatedBy      []SourceForm
	DatabasePath   string
	LegacyCache    string
	LogLevel       string
	LogPath        string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("cache.legacy_path", defaultLegacyCache)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.path", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		ServerURL:      configViper.GetString("server.url"),
		Username:       configViper.GetString("server.username"),
		Password:       configViper.GetString("server.password"),
		Project:        configViper.GetString("server.project"),
		EntityKey:      configViper.GetString("entity.key"),
		EntityFilename: configViper.GetString("entity.filename"),
		AttachedTo:     configViper.GetStringSlice("entity.attached_to"),
		DatabasePath:   configViper.GetString("database.path"),
		LegacyCache:    configViper.GetString("cache.legacy_path"),
		LogLevel:       configViper.GetString("log.level"),
		LogPath:        configViper.GetString("log.path"),
	}

	if err := configViper.UnmarshalKey("entity.updated_by", &cfg.UpdatedBy); err != nil {
		return AppConfig{}, fmt.Errorf("entity.updated_by is malformed: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// DeclarationOrder returns the configured source form identifiers in
// declaration order.
func (c AppConfig) DeclarationOrder() []string {
	order := make([]string, 0, len(c.UpdatedBy))
	for _, source := range c.UpdatedBy {
		order = append(order, source.FormID)
	}
	return order
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.ServerURL) == "" {
		return fmt.Errorf("server.url is required")
	}
	parsed, err := url.Parse(c.ServerURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("server.url %q is not an absolute URL", c.ServerURL)
	}
	if strings.TrimSpace(c.Username) == "" {
		return fmt.Errorf("server.username is required")
	}
	if strings.TrimSpace(c.Password) == "" {
		return fmt.Errorf("server.password is required")
	}
	if strings.TrimSpace(c.Project) == "" {
		return fmt.Errorf("server.project is required")
	}
	if strings.TrimSpace(c.EntityKey) == "" {
		return fmt.Errorf("entity.key is required")
	}
	if strings.TrimSpace(c.EntityFilename) == "" {
		return fmt.Errorf("entity.filename is required")
	}
	if len(c.AttachedTo) == 0 {
		return fmt.Errorf("entity.attached_to must list at least one form")
	}
	for i, formID := range c.AttachedTo {
		if strings.TrimSpace(formID) == "" {
			return fmt.Errorf("entity.attached_to[%d] is empty", i)
		}
	}
	if len(c.UpdatedBy) == 0 {
		return fmt.Errorf("entity.updated_by must list at least one form")
	}
	seen := make(map[string]struct{}, len(c.UpdatedBy))
	for i, source := range c.UpdatedBy {
		if strings.TrimSpace(source.FormID) == "" {
			return fmt.Errorf("entity.updated_by[%d].form_id is empty", i)
		}
		if _, duplicate := seen[source.FormID]; duplicate {
			return fmt.Errorf("entity.updated_by lists form %q twice", source.FormID)
		}
		seen[source.FormID] = struct{}{}
		if len(source.Fields) == 0 {
			return fmt.Errorf("entity.updated_by[%d].fields must declare at least one field", i)
		}
		for j, field := range source.Fields {
			if strings.TrimSpace(field) == "" {
				return fmt.Errorf("entity.updated_by[%d].fields[%d] is empty", i, j)
			}
		}
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	return nil
}
