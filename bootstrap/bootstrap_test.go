package bootstrap

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad_ReadsFileAndAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "api_base: https://portal.example.com\nactivation_code: ABC123\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.APIBase != "https://portal.example.com" {
		t.Errorf("APIBase = %q", cfg.APIBase)
	}
	if cfg.ActivationCode != "ABC123" {
		t.Errorf("ActivationCode = %q", cfg.ActivationCode)
	}
	if cfg.InstallDir != DefaultInstallDir {
		t.Errorf("InstallDir = %q, want default %q", cfg.InstallDir, DefaultInstallDir)
	}
	if cfg.GatewayVersion == "" {
		t.Error("GatewayVersion should default to a non-empty version")
	}
	if cfg.MetricsAddr == "" {
		t.Error("MetricsAddr should default to a non-empty listen address")
	}
}

func TestLoad_MissingRequiredFieldsIsAnError(t *testing.T) {
	path := writeConfig(t, "install_dir: /var/lib/hercules\n")

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing api_base/activation_code")
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "api_base: https://file.example.com\nactivation_code: FROMFILE\n")

	t.Setenv("HERCULES_ACTIVATION_CODE", "FROMENV")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ActivationCode != "FROMENV" {
		t.Errorf("ActivationCode = %q, want env override FROMENV", cfg.ActivationCode)
	}
}

func TestConfig_DerivedPaths(t *testing.T) {
	cfg := &Config{InstallDir: "/opt/hercules"}

	if got, want := cfg.StorePath(), filepath.Join("/opt/hercules", "gateway.db"); got != want {
		t.Errorf("StorePath() = %q, want %q", got, want)
	}
	if got, want := cfg.ConfigPath(), filepath.Join("/opt/hercules", "config.yaml"); got != want {
		t.Errorf("ConfigPath() = %q, want %q", got, want)
	}
	if got, want := cfg.CredentialPath(), filepath.Join("/opt/hercules", "credentials.json"); got != want {
		t.Errorf("CredentialPath() = %q, want %q", got, want)
	}
	if got, want := cfg.LogPath(), filepath.Join("/opt/hercules", "gateway.log"); got != want {
		t.Errorf("LogPath() = %q, want %q", got, want)
	}
}
