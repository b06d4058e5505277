package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sample = `
server:
  jwt_secret: secret
database:
  driver: pgx
  url: postgres://localhost/purchases
store:
  base_url: https://store.example.com
purchase:
  timeout: 2m
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":4001" {
		t.Errorf("expected default address, got %q", cfg.Server.Address)
	}
	if cfg.Database.Driver != "pgx" {
		t.Errorf("expected pgx driver, got %q", cfg.Database.Driver)
	}
	if cfg.Purchase.Timeout != 2*time.Minute {
		t.Errorf("expected 2m timeout, got %s", cfg.Purchase.Timeout)
	}
	if cfg.Redis.SeenTTL != 24*time.Hour {
		t.Errorf("expected default seen ttl, got %s", cfg.Redis.SeenTTL)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_URL", "postgres://db/override")
	t.Setenv("STORE_ALLOW_UNSIGNED", "true")

	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Errorf("expected :8080, got %q", cfg.Server.Address)
	}
	if cfg.Database.URL != "postgres://db/override" {
		t.Errorf("expected overridden url, got %q", cfg.Database.URL)
	}
	if !cfg.Store.AllowUnsigned {
		t.Errorf("expected allow_unsigned from env")
	}
}

func TestValidate(t *testing.T) {
	t.Setenv("PORT", "")
	cases := map[string]string{
		"bad driver":     "server:\n  jwt_secret: s\ndatabase:\n  driver: sqlite\n  url: x\nstore:\n  base_url: http://s\n",
		"missing secret": "database:\n  url: x\nstore:\n  base_url: http://s\n",
		"missing store":  "server:\n  jwt_secret: s\ndatabase:\n  url: x\n",
		"s3 without keys": "server:\n  jwt_secret: s\ndatabase:\n  url: x\nstore:\n  base_url: http://s\n" +
			"receipt:\n  s3:\n    bucket: receipts\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Load(writeConfig(t, body)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}
