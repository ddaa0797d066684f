package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadCreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, DefaultConfigFile)); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
	if cfg.GetServerData().Session.TickRate != 20 {
		t.Fatalf("tick rate = %d", cfg.GetServerData().Session.TickRate)
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	partial := `{"server_data": {"svr_name": "eu-1", "session": {"tick_rate": 30}}}`
	if err := os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(partial), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	sd := cfg.GetServerData()
	if sd.Name != "eu-1" || sd.Session.TickRate != 30 {
		t.Fatalf("overlay lost: %+v", sd)
	}
	if sd.Session.StartingGold != 500 || sd.GamePort != DefaultGamePort {
		t.Fatalf("defaults lost: %+v", sd)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	result := Validate(DefaultConfig())
	if !result.IsValid() {
		t.Fatalf("default config invalid: %+v", result.Errors)
	}
	if len(result.Warnings) == 0 {
		t.Fatal("expected warnings for dev auth and missing secrets")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name  string
		mod   func(c *Config)
		field string
	}{
		{"zero tick rate", func(c *Config) { c.ServerData.Session.TickRate = 0 }, "session.tick_rate"},
		{"port clash", func(c *Config) { c.ServerData.APIPort = c.ServerData.GamePort }, "server_data.ports"},
		{"bad bind", func(c *Config) { c.ServerData.BindAddress = "nowhere" }, "server_data.svr_bind_address"},
		{"no auth", func(c *Config) { c.ApplicationData.Collaborators.AuthDevMode = false }, "collaborators.auth_url"},
		{"bad backend", func(c *Config) { c.ApplicationData.Collaborators.DataBackend = "redis" }, "collaborators.data_backend"},
		{"refund", func(c *Config) { c.ServerData.Session.SellRefundPercent = 150 }, "session.sell_refund_percent"},
		{"mqtt port", func(c *Config) {
			c.ApplicationData.MQTT.Enabled = true
			c.ApplicationData.MQTT.Port = 0
		}, "mqtt.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mod(cfg)
			result := Validate(cfg)
			for _, e := range result.Errors {
				if e.Field == tt.field {
					return
				}
			}
			t.Fatalf("no error for %s, got %+v", tt.field, result.Errors)
		})
	}
}

func TestSetupWizard(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}

	answers := "eu-1\neu-west\n" + strings.Repeat("\n", 8) + "http://bonus.local\n\nkey\ntoken\nno\n"
	if err := RunSetupWizard(cfg, strings.NewReader(answers)); err != nil {
		t.Fatalf("wizard: %v", err)
	}

	reloaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	sd := reloaded.GetServerData()
	ad := reloaded.GetApplicationData()
	if sd.Name != "eu-1" || sd.Region != "eu-west" || sd.GamePort != DefaultGamePort {
		t.Fatalf("server data = %+v", sd)
	}
	if ad.Collaborators.BonusURL != "http://bonus.local" || ad.Collaborators.APIKey != "key" || ad.Security.APIToken != "token" {
		t.Fatalf("application data = %+v", ad)
	}
}
