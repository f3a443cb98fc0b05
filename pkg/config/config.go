package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/levenlabs/go-lflag"

	"github.com/foXaCe/enphase-battery/pkg/types"
)

// Config is the static configuration record: source selection, per-source
// credentials and the push capability flag. It comes from an optional YAML
// file with flag overrides layered on top.
type Config struct {
	Source string      `yaml:"source"`
	Cloud  CloudConfig `yaml:"cloud"`
	Local  LocalConfig `yaml:"local"`
	Push   PushConfig  `yaml:"push"`
}

type CloudConfig struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	SiteID   int    `yaml:"site_id"`
	UserID   int    `yaml:"user_id"`
}

type LocalConfig struct {
	Host     string `yaml:"host"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// cloud account for the firmware 7+ token bootstrap
	CloudEmail    string `yaml:"cloud_email"`
	CloudPassword string `yaml:"cloud_password"`
}

type PushConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Configured registers the config flags and returns a Config that is
// populated once flags are parsed.
func Configured() *Config {
	cfg := &Config{}

	path := lflag.String("config", "", "Path to the YAML config file")
	source := lflag.String("source", "", "Data source (local or cloud), overrides the config file")
	cloudEmail := lflag.String("cloud-email", "", "Enlighten account email")
	cloudPassword := lflag.String("cloud-password", "", "Enlighten account password")
	cloudSiteID := lflag.Int("cloud-site-id", 0, "Enlighten site ID (skips discovery)")
	cloudUserID := lflag.Int("cloud-user-id", 0, "Enlighten user ID (skips discovery)")
	localHost := lflag.String("local-host", "", "Gateway host or IP on the local network")
	pushEnabled := lflag.Bool("push", false, "Enable the realtime push channel (cloud source only)")

	lflag.Do(func() {
		if *path != "" {
			loaded, err := Load(*path)
			if err != nil {
				panic(fmt.Errorf("failed to load config file: %w", err))
			}
			*cfg = *loaded
		}
		if *source != "" {
			cfg.Source = *source
		}
		if *cloudEmail != "" {
			cfg.Cloud.Email = *cloudEmail
		}
		if *cloudPassword != "" {
			cfg.Cloud.Password = *cloudPassword
		}
		if *cloudSiteID != 0 {
			cfg.Cloud.SiteID = *cloudSiteID
		}
		if *cloudUserID != 0 {
			cfg.Cloud.UserID = *cloudUserID
		}
		if *localHost != "" {
			cfg.Local.Host = *localHost
		}
		if *pushEnabled {
			cfg.Push.Enabled = true
		}
	})

	return cfg
}

// Load reads and parses a YAML config file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the source selection and its required credential fields.
func (c *Config) Validate() error {
	switch types.Source(c.Source) {
	case types.SourceCloud:
		if c.Cloud.Email == "" || c.Cloud.Password == "" {
			return fmt.Errorf("cloud source requires cloud.email and cloud.password")
		}
	case types.SourceLocal:
		if c.Local.Host == "" {
			return fmt.Errorf("local source requires local.host")
		}
	case "":
		return fmt.Errorf("source is required (local or cloud)")
	default:
		return fmt.Errorf("unknown source %q (expected local or cloud)", c.Source)
	}
	if c.Push.Enabled && types.Source(c.Source) != types.SourceCloud {
		return fmt.Errorf("push is only available with the cloud source")
	}
	return nil
}

// Credentials maps the config onto the credential values handed to the
// authenticators.
func (c *Config) Credentials() *types.Credentials {
	return &types.Credentials{
		Cloud: &types.CloudCredentials{
			Email:    c.Cloud.Email,
			Password: c.Cloud.Password,
			SiteID:   c.Cloud.SiteID,
			UserID:   c.Cloud.UserID,
		},
		Local: &types.LocalCredentials{
			Host:          c.Local.Host,
			Username:      c.Local.Username,
			Password:      c.Local.Password,
			CloudEmail:    c.Local.CloudEmail,
			CloudPassword: c.Local.CloudPassword,
		},
	}
}
