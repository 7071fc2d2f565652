// Package bootstrap loads the one-time provisioning settings a freshly
// installed gateway needs before it can even attempt portal activation:
// where the portal lives, the activation code an installer stamped onto
// the device, and where the gateway keeps its local state. This is
// distinct from config.Config, which describes PLCs/tags/republish
// targets and is reconciled continuously against the portal once the
// gateway is already activated.
package bootstrap

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Config is the gateway's first-run provisioning configuration.
type Config struct {
	// APIBase is the portal's base URL, e.g. "https://portal.example.com".
	APIBase string `mapstructure:"api_base"`

	// ActivationCode is the one-time code an installer provisions the
	// device with, traded for a long-lived API key on first activation.
	ActivationCode string `mapstructure:"activation_code"`

	// InstallDir holds the gateway's local state: the SQLite store, the
	// local config.yaml, the credential file, and log output.
	InstallDir string `mapstructure:"install_dir"`

	// GatewayVersion is reported to the portal on activation.
	GatewayVersion string `mapstructure:"gateway_version"`

	// MetricsAddr is the local address the Prometheus /metrics endpoint
	// listens on. Empty disables it.
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// DefaultInstallDir is used when Config.InstallDir isn't set.
const DefaultInstallDir = ".hercules"

// Load reads provisioning configuration from path (if it exists), then
// HERCULES_-prefixed environment variables, with environment variables
// taking precedence — the same override order the teacher's own
// config.Load/namespace flag handling follows: file first, explicit
// override second.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("HERCULES")
	v.AutomaticEnv()
	// AutomaticEnv only reaches Unmarshal for keys viper already knows,
	// so bind the required keys explicitly for env-only provisioning.
	_ = v.BindEnv("api_base")
	_ = v.BindEnv("activation_code")

	v.SetDefault("install_dir", DefaultInstallDir)
	v.SetDefault("gateway_version", "1.0.0")
	v.SetDefault("metrics_addr", ":9464")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("bootstrap: read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("bootstrap: unmarshal config: %w", err)
	}

	if cfg.APIBase == "" {
		return nil, fmt.Errorf("bootstrap: api_base is required (set in %s or HERCULES_API_BASE)", path)
	}
	if cfg.ActivationCode == "" {
		return nil, fmt.Errorf("bootstrap: activation_code is required (set in %s or HERCULES_ACTIVATION_CODE)", path)
	}

	return &cfg, nil
}

// StorePath returns the path to the local SQLite store under InstallDir.
func (c *Config) StorePath() string {
	return filepath.Join(c.InstallDir, "gateway.db")
}

// ConfigPath returns the path to the local operator-editable config.yaml
// under InstallDir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.InstallDir, "config.yaml")
}

// CredentialPath returns the path to the activation credential file
// under InstallDir.
func (c *Config) CredentialPath() string {
	return filepath.Join(c.InstallDir, "credentials.json")
}

// LogPath returns the path to the rotated structured gateway.log under
// InstallDir, per the external-interfaces log path.
func (c *Config) LogPath() string {
	return filepath.Join(c.InstallDir, "gateway.log")
}

// DefaultPath returns the default bootstrap config path,
// "~/.hercules/bootstrap.yaml", falling back to a relative path if the
// home directory can't be resolved.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(DefaultInstallDir, "bootstrap.yaml")
	}
	return filepath.Join(home, DefaultInstallDir, "bootstrap.yaml")
}
