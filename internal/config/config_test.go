package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// isolate runs the test from an empty directory with no user config.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "xdg"))
	t.Setenv("HOME", filepath.Join(dir, "home"))
	t.Chdir(dir)
	return dir
}

func writeWorkspaceConfig(t *testing.T, root, content string) string {
	t.Helper()
	ws := filepath.Join(root, WorkspaceDirName)
	if err := os.MkdirAll(ws, 0750); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	path := filepath.Join(ws, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestDefaults(t *testing.T) {
	isolate(t)
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{"json", false, func(k string) interface{} { return GetBool(k) }},
		{"database.backend", BackendEmbedded, func(k string) interface{} { return GetString(k) }},
		{"database.server.port", 3307, func(k string) interface{} { return GetInt(k) }},
		{"reassign.page-size", 1000, func(k string) interface{} { return GetInt(k) }},
		{"jobs.token-store", TokenStoreMemory, func(k string) interface{} { return GetString(k) }},
		{"jobs.token-ttl", 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{"hooks.timeout", 10 * time.Second, func(k string) interface{} { return GetDuration(k) }},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			if got := tt.getter(tt.key); got != tt.expected {
				t.Errorf("GetXXX(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
	if ConfigFileUsed() != "" {
		t.Errorf("ConfigFileUsed() = %q, want none", ConfigFileUsed())
	}
}

func TestConfigFileAndEnvPrecedence(t *testing.T) {
	root := isolate(t)
	path := writeWorkspaceConfig(t, root, `
database:
  backend: server
triage:
  workers: 9
reassign:
  page-size: 50
`)
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0750); err != nil {
		t.Fatal(err)
	}
	t.Chdir(sub)

	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if got := ConfigFileUsed(); got != path {
		t.Errorf("ConfigFileUsed() = %q, want %q", got, path)
	}
	if got := GetString("database.backend"); got != BackendServer {
		t.Errorf("database.backend = %q, want server", got)
	}
	if got := TriageWorkers(); got != 9 {
		t.Errorf("TriageWorkers() = %d, want 9", got)
	}

	t.Setenv("FT_REASSIGN_PAGE_SIZE", "25")
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if got := ReassignPageSize(); got != 25 {
		t.Errorf("ReassignPageSize() = %d, want 25 (env overrides file)", got)
	}

	Set("reassign.page-size", 5)
	if got := ReassignPageSize(); got != 5 {
		t.Errorf("ReassignPageSize() = %d, want 5 (Set overrides env)", got)
	}
}

func TestDatabaseSettings(t *testing.T) {
	root := isolate(t)
	writeWorkspaceConfig(t, root, "database:\n  path: data/crashes\n")
	if err := Initialize(); err != nil {
		t.Fatal(err)
	}
	ws, err := FindWorkspaceDir()
	if err != nil {
		t.Fatal(err)
	}
	s, err := Database(ws)
	if err != nil {
		t.Fatalf("Database() error: %v", err)
	}
	if want := filepath.Join(filepath.Dir(ws), "data", "crashes"); s.Path != want {
		t.Errorf("Path = %q, want %q", s.Path, want)
	}

	Set("database.backend", "sqlite")
	if _, err := Database(ws); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestGetHookCommands(t *testing.T) {
	root := isolate(t)
	writeWorkspaceConfig(t, root, `hooks:
  on_unbucket:
    - name: notify
      command: echo first
    - command: echo unnamed
    - name: broken
`)
	if err := Initialize(); err != nil {
		t.Fatal(err)
	}
	hooks := GetHookCommands("on_unbucket")
	if len(hooks) != 2 {
		t.Fatalf("got %d hooks, want 2", len(hooks))
	}
	if hooks[0].Name != "notify" || hooks[0].Command != "echo first" {
		t.Errorf("first hook = %+v", hooks[0])
	}
	if hooks[1].Name != "" || hooks[1].Command != "echo unnamed" {
		t.Errorf("second hook = %+v", hooks[1])
	}
	if got := GetHookCommands("on_ingest"); len(got) != 0 {
		t.Errorf("on_ingest hooks = %v, want none", got)
	}
}

func TestWriteFileAndSetYamlConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := WriteFile(path, DefaultFile(BackendMemory)); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}
	if err := WriteFile(path, DefaultFile(BackendMemory)); err == nil {
		t.Error("WriteFile() must refuse to overwrite")
	}

	if err := SetYamlConfig(path, "triage.workers", "12"); err != nil {
		t.Fatalf("SetYamlConfig() error: %v", err)
	}
	if err := SetYamlConfig(path, "bugs.github.token", "abc: def"); err != nil {
		t.Fatalf("SetYamlConfig() error: %v", err)
	}
	if err := SetYamlConfig(path, "database.backend.x", "1"); err == nil {
		t.Error("expected error when descending into a scalar")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	content := string(data)
	for _, want := range []string{"workers: 12", `token: "abc: def"`, "backend: memory", "# ft configuration"} {
		if !strings.Contains(content, want) {
			t.Errorf("config missing %q:\n%s", want, content)
		}
	}
}
