package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFile_MissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	client := cfg.GetClient()
	if client.Name != DefaultClientName || client.Title != DefaultClientTitle || client.Version != DefaultClientVersion {
		t.Errorf("unexpected client identity %+v", client)
	}
	if got := cfg.GetOpenTimeout(); got != 10*time.Second {
		t.Errorf("GetOpenTimeout() = %v, want 10s", got)
	}
	base, max := cfg.GetReconnectDelays()
	if base != time.Second || max != 30*time.Second {
		t.Errorf("GetReconnectDelays() = %v, %v, want 1s, 30s", base, max)
	}
	if !cfg.GetExperimentalAPI() {
		t.Error("experimental API should default to on")
	}
	if !cfg.GetAutoReconnect() {
		t.Error("auto-reconnect should default to on")
	}
	if cfg.GetApprovalPolicy() != "on-request" {
		t.Errorf("GetApprovalPolicy() = %q, want on-request", cfg.GetApprovalPolicy())
	}
	if cfg.GetListLimit() != 50 {
		t.Errorf("GetListLimit() = %d, want 50", cfg.GetListLimit())
	}
	if cfg.GetStore().Backend != StoreSQLite {
		t.Errorf("store backend = %q, want sqlite", cfg.GetStore().Backend)
	}
}

func TestLoadFile_ParsesValues(t *testing.T) {
	path := writeConfig(t, `
client:
  name: crabbot_test
  title: Crabbot Test
rpc:
  open_timeout: 2s
  experimental_api: false
reconnect:
  enabled: false
  base_delay: 250ms
  max_delay: 5s
sessions:
  approval_policy: never
  list_limit: 20
  notify_on_completion: false
store:
  backend: json
  path: /tmp/crabbot-state.json
notifications:
  desktop: true
debug: true
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	client := cfg.GetClient()
	if client.Name != "crabbot_test" || client.Title != "Crabbot Test" {
		t.Errorf("unexpected client %+v", client)
	}
	if client.Version != DefaultClientVersion {
		t.Errorf("version should default, got %q", client.Version)
	}
	if cfg.GetOpenTimeout() != 2*time.Second {
		t.Errorf("open timeout = %v", cfg.GetOpenTimeout())
	}
	if cfg.GetExperimentalAPI() {
		t.Error("experimental API should be off")
	}
	if cfg.GetAutoReconnect() {
		t.Error("auto-reconnect should be off")
	}
	base, max := cfg.GetReconnectDelays()
	if base != 250*time.Millisecond || max != 5*time.Second {
		t.Errorf("delays = %v, %v", base, max)
	}
	if cfg.GetApprovalPolicy() != "never" || cfg.GetListLimit() != 20 {
		t.Errorf("sessions = %q, %d", cfg.GetApprovalPolicy(), cfg.GetListLimit())
	}
	if cfg.GetNotifyOnCompletion() {
		t.Error("notify on completion should be off")
	}
	if s := cfg.GetStore(); s.Backend != StoreJSON || s.Path != "/tmp/crabbot-state.json" {
		t.Errorf("store = %+v", s)
	}
	if !cfg.GetDesktopNotifications() || !cfg.GetDebug() {
		t.Error("desktop notifications and debug should be on")
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad duration", "reconnect:\n  base_delay: soon\n", "invalid duration"},
		{"max below base", "reconnect:\n  base_delay: 10s\n  max_delay: 1s\n", "max_delay"},
		{"unknown policy", "sessions:\n  approval_policy: sometimes\n", "approval_policy"},
		{"list limit", "sessions:\n  list_limit: 5000\n", "list_limit"},
		{"unknown backend", "store:\n  backend: redis\n", "store.backend"},
		{"not yaml", "client: [", "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFile(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q should contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg.SetDesktopNotifications(true)
	cfg.SetStore(StoreConfig{Backend: StoreJSON})

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "base_delay: 1s") {
		t.Errorf("durations should be written as strings:\n%s", data)
	}

	reloaded, err := LoadFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if !reloaded.GetDesktopNotifications() {
		t.Error("desktop notifications not persisted")
	}
	if reloaded.GetStore().Backend != StoreJSON {
		t.Errorf("backend = %q, want json", reloaded.GetStore().Backend)
	}
}

func TestSave_NoFilePath(t *testing.T) {
	if err := Default().Save(); err == nil {
		t.Error("Save without a file path should fail")
	}
}
