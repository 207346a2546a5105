package config

import "testing"

func TestLoad_AppliesDefaultsWhenUnset(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port default = %q, want 8080", cfg.Port)
	}
	if cfg.StateBaseDir != "/data/state" {
		t.Errorf("StateBaseDir default = %q, want /data/state", cfg.StateBaseDir)
	}
	if cfg.DefaultIdleTimeout.Milliseconds() != 15*60*1000 {
		t.Errorf("DefaultIdleTimeout = %v, want 15m", cfg.DefaultIdleTimeout)
	}
}

func TestLoad_ReadsOverridesFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DEFAULT_IDLE_TIMEOUT_MS", "5000")
	t.Setenv("GITHUB_APP_INSTALLATION_ID", "42")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Port)
	}
	if cfg.DefaultIdleTimeout.Milliseconds() != 5000 {
		t.Errorf("DefaultIdleTimeout = %v, want 5s", cfg.DefaultIdleTimeout)
	}
	if cfg.GitHubAppInstallationID != 42 {
		t.Errorf("GitHubAppInstallationID = %d, want 42", cfg.GitHubAppInstallationID)
	}
}

func TestLoad_RejectsNonIntegerTimeout(t *testing.T) {
	t.Setenv("REQUEST_TIMEOUT_MS", "not-a-number")

	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-integer REQUEST_TIMEOUT_MS")
	}
}
