package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix           = "TELEBRIDGE"
	defaultHTTPAddress  = "0.0.0.0:29317"
	defaultDatabasePath = "telebridge.db"
	defaultLogLevel     = "info"

	defaultUsernameTemplate    = "telegram_{}"
	defaultDisplaynameTemplate = "{} (Telegram)"
	defaultDisplaynameMaxLen   = 100
)

// defaultDisplaynamePreference prefers real names over handles over phone
// numbers.
var defaultDisplaynamePreference = []string{"full name", "username", "phone number"}

// AppConfig captures runtime configuration for the bridge core and its
// provisioning API.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string

	HomeserverDomain string
	HomeserverURL    string

	UsernameTemplate      string
	DisplaynameTemplate   string
	DisplaynamePreference []string
	DisplaynameMaxLength  int
	AllowAvatarRemove     bool
	SyncWithCustomPuppets bool

	ProvisioningSharedSecret string
	ProvisioningSigningKey   string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("bridge.username_template", defaultUsernameTemplate)
	configViper.SetDefault("bridge.displayname_template", defaultDisplaynameTemplate)
	configViper.SetDefault("bridge.displayname_preference", defaultDisplaynamePreference)
	configViper.SetDefault("bridge.displayname_max_length", defaultDisplaynameMaxLen)
	configViper.SetDefault("bridge.allow_avatar_remove", false)
	configViper.SetDefault("bridge.sync_with_custom_puppets", true)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:              configViper.GetString("http.address"),
		DatabasePath:             configViper.GetString("database.path"),
		LogLevel:                 configViper.GetString("log.level"),
		HomeserverDomain:         configViper.GetString("homeserver.domain"),
		HomeserverURL:            configViper.GetString("homeserver.address"),
		UsernameTemplate:         configViper.GetString("bridge.username_template"),
		DisplaynameTemplate:      configViper.GetString("bridge.displayname_template"),
		DisplaynamePreference:    configViper.GetStringSlice("bridge.displayname_preference"),
		DisplaynameMaxLength:     configViper.GetInt("bridge.displayname_max_length"),
		AllowAvatarRemove:        configViper.GetBool("bridge.allow_avatar_remove"),
		SyncWithCustomPuppets:    configViper.GetBool("bridge.sync_with_custom_puppets"),
		ProvisioningSharedSecret: configViper.GetString("provisioning.shared_secret"),
		ProvisioningSigningKey:   configViper.GetString("provisioning.signing_key"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HomeserverDomain) == "" {
		return fmt.Errorf("homeserver.domain is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if !strings.Contains(c.UsernameTemplate, "{}") {
		return fmt.Errorf("bridge.username_template must contain {}")
	}
	if !strings.Contains(c.DisplaynameTemplate, "{}") {
		return fmt.Errorf("bridge.displayname_template must contain {}")
	}
	if len(c.DisplaynamePreference) == 0 {
		return fmt.Errorf("bridge.displayname_preference must not be empty")
	}
	if strings.TrimSpace(c.ProvisioningSharedSecret) == "" {
		return fmt.Errorf("provisioning.shared_secret is required")
	}
	if strings.TrimSpace(c.ProvisioningSigningKey) == "" {
		return fmt.Errorf("provisioning.signing_key is required")
	}
	return nil
}
