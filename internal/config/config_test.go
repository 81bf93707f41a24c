package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg := Default()
	cfg.DefaultProfile = "work"
	cfg.Typing.Timeout = Duration{4 * time.Second}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.DefaultProfile != "work" {
		t.Errorf("DefaultProfile = %q, want %q", loaded.DefaultProfile, "work")
	}
	if loaded.Typing.Timeout.Duration != 4*time.Second {
		t.Errorf("Typing.Timeout = %s, want 4s", loaded.Typing.Timeout)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "api_url = \"https://chat.example.com\"\n\n[notifications]\nttl = \"7s\"\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIURL != "https://chat.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.Notifications.TTL.Duration != 7*time.Second {
		t.Errorf("TTL = %s, want 7s", cfg.Notifications.TTL)
	}
	if cfg.Timeline.PageSize != 20 {
		t.Errorf("PageSize = %d, want default 20", cfg.Timeline.PageSize)
	}
	if cfg.Typing.Timeout.Duration != 3*time.Second {
		t.Errorf("Typing.Timeout = %s, want default 3s", cfg.Typing.Timeout)
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load("/nonexistent/config.toml"); err == nil {
		t.Error("Load() expected error for missing file")
	}
	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.DefaultProfile != "main" {
		t.Errorf("DefaultProfile = %q, want main", cfg.DefaultProfile)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"zero page size", "[timeline]\npage_size = 0\n"},
		{"bad duration", "[typing]\ntimeout = \"soon\"\n"},
		{"max below initial", "[reconnect]\ninitial = \"10s\"\nmax = \"1s\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("Load() expected error")
			}
		})
	}
}

func TestApplyEnv(t *testing.T) {
	envFile := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(envFile, []byte("CHATSYNC_SOCKET_URL=wss://rt.example.com/ws\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CHATSYNC_API_URL", "https://api.example.com")
	t.Setenv("CHATSYNC_PAGE_SIZE", "50")
	t.Cleanup(func() { _ = os.Unsetenv("CHATSYNC_SOCKET_URL") })

	cfg := Default()
	if err := cfg.ApplyEnv(envFile); err != nil {
		t.Fatal(err)
	}
	if cfg.APIURL != "https://api.example.com" {
		t.Errorf("APIURL = %q", cfg.APIURL)
	}
	if cfg.SocketURL != "wss://rt.example.com/ws" {
		t.Errorf("SocketURL = %q", cfg.SocketURL)
	}
	if cfg.Timeline.PageSize != 50 {
		t.Errorf("PageSize = %d, want 50", cfg.Timeline.PageSize)
	}
}

func TestApplyEnvMissingFile(t *testing.T) {
	cfg := Default()
	if err := cfg.ApplyEnv(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Errorf("ApplyEnv() error = %v", err)
	}
}

func TestSavePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}
