package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalJSON = `{
  "telegram": {"token": "123:abc", "admin_user_ids": [777]},
  "logging": {"level": "info", "console": true},
  "storage": {"driver": "sqlite", "path": "bot.db"},
  "campaigns": {"enabled": true, "rate_per_sec": 20}
}`

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if len(cfg.Telegram.AdminUserIDs) != 1 || cfg.Telegram.AdminUserIDs[0] != 777 {
		t.Fatalf("admins = %v", cfg.Telegram.AdminUserIDs)
	}
	if !cfg.Campaigns.Enabled || cfg.Campaigns.RatePerSec != 20 {
		t.Fatalf("campaigns = %+v", cfg.Campaigns)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	const y = `
telegram:
  token: "123:abc"
  admin_user_ids: [1, 2]
logging:
  level: debug
  console: true
storage:
  driver: memory
campaigns:
  enabled: true
  fire_overdue: true
  digest_at: "09:00"
`
	m := NewManager(writeConfig(t, "config.yaml", y))
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Campaigns.FireOverdue || cfg.Campaigns.DigestAt != "09:00" {
		t.Fatalf("campaigns = %+v", cfg.Campaigns)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("driver = %q", cfg.Storage.Driver)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	bad := strings.Replace(minimalJSON, `"campaigns"`, `"campains"`, 1)
	m := NewManager(writeConfig(t, "config.json", bad))
	if _, err := m.Load(); err == nil {
		t.Fatal("misspelled section accepted")
	}
}

func TestParseRejectsTrailingData(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON+"\n{}"))
	if _, err := m.Load(); err == nil {
		t.Fatal("trailing JSON accepted")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cfg := &Config{}
	if err := Validate(cfg); err == nil {
		t.Fatal("empty token accepted")
	}
	cfg.Telegram.Token = "123:abc"
	if err := Validate(cfg); err != nil {
		t.Fatalf("minimal config rejected: %v", err)
	}
	cfg.Campaigns.Retention = "not-a-duration"
	if err := Validate(cfg); err == nil {
		t.Fatal("bad retention accepted")
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want time.Duration
		ok   bool
	}{
		{"", 0, true},
		{"  ", 0, true},
		{"10s", 10 * time.Second, true},
		{"1h30m", 90 * time.Minute, true},
		{"-5s", 0, false},
		{"10", 0, false},
		{"soon", 0, false},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if (err == nil) != tc.ok {
			t.Errorf("ParseDurationField(%q) err = %v, ok = %v", tc.raw, err, tc.ok)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("ParseDurationField(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationOrDefault("x", "", 5*time.Second); err != nil || d != 5*time.Second {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if d, err := ParseDurationOrDefault("x", "2s", 5*time.Second); err != nil || d != 2*time.Second {
		t.Fatalf("explicit = %v, %v", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "-1s", 5*time.Second); err == nil {
		t.Fatal("negative accepted")
	}
}

func TestSubscribePublishAndDrop(t *testing.T) {
	t.Parallel()
	m := NewManager(writeConfig(t, "config.json", minimalJSON))
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	a, b := &Config{}, &Config{}
	m.publish(a)
	m.publish(b) // slow subscriber: oldest dropped, newest kept

	select {
	case got := <-sub:
		if got != b {
			t.Fatal("expected the newest config to survive the drop")
		}
	case <-time.After(time.Second):
		t.Fatal("no config delivered")
	}
}
