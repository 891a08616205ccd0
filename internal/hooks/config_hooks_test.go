package hooks

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fuzztriage/fuzztriage/internal/config"
	"github.com/fuzztriage/fuzztriage/internal/types"
)

// setupConfig writes config.yaml into a fresh workspace and loads it.
func setupConfig(t *testing.T, content string) string {
	t.Helper()
	tmpDir := t.TempDir()
	wsDir := filepath.Join(tmpDir, config.WorkspaceDirName)
	if err := os.MkdirAll(wsDir, 0755); err != nil {
		t.Fatalf("Failed to create workspace dir: %v", err)
	}
	if content != "" {
		if err := os.WriteFile(filepath.Join(wsDir, "config.yaml"), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write config: %v", err)
		}
	}
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpDir, "xdg"))
	t.Chdir(tmpDir)
	if err := config.Initialize(); err != nil {
		t.Fatalf("Failed to initialize config: %v", err)
	}
	return tmpDir
}

func TestRunConfigHooks_NoHooks(t *testing.T) {
	setupConfig(t, "")
	crash := &types.CrashEntry{ID: 1}
	if err := RunConfigHooks(context.Background(), EventIngest, crash); err != nil {
		t.Errorf("RunConfigHooks() = %v, want nil", err)
	}
}

func TestRunConfigHooks_EnvVars(t *testing.T) {
	tmpDir := t.TempDir()
	outputFile := filepath.Join(tmpDir, "env_output.txt")
	setupConfig(t, `hooks:
  on_bucket:
    - name: env-check
      command: echo "EVENT=$FT_EVENT ID=$FT_CRASH_ID BUCKET=$FT_BUCKET_ID TOOL=$FT_TOOL_ID SIG=$FT_SHORT_SIGNATURE" > `+outputFile+`
`)

	bucket := int64(12)
	crash := &types.CrashEntry{ID: 42, BucketID: &bucket, ToolID: 3, ShortSignature: "SEGV in foo"}
	if err := RunConfigHooks(context.Background(), EventBucket, crash); err != nil {
		t.Fatalf("RunConfigHooks() error: %v", err)
	}

	output, err := os.ReadFile(outputFile)
	if err != nil {
		t.Fatalf("Failed to read output file: %v", err)
	}
	for _, check := range []string{"EVENT=bucket", "ID=42", "BUCKET=12", "TOOL=3", "SIG=SEGV in foo"} {
		if !strings.Contains(string(output), check) {
			t.Errorf("Hook output = %q, want to contain %q", output, check)
		}
	}
}

func TestRunConfigHooks_HookFailure(t *testing.T) {
	tmpDir := t.TempDir()
	successFile := filepath.Join(tmpDir, "success.txt")
	setupConfig(t, `hooks:
  on_unbucket:
    - name: failing-hook
      command: exit 1
    - name: success-hook
      command: echo "success" > `+successFile+`
`)

	err := RunConfigHooks(context.Background(), EventUnbucket, &types.CrashEntry{ID: 7})
	if err == nil || !strings.Contains(err.Error(), "failing-hook") {
		t.Errorf("RunConfigHooks() = %v, want failure naming failing-hook", err)
	}
	if _, statErr := os.Stat(successFile); statErr != nil {
		t.Errorf("later hook did not run after a failure: %v", statErr)
	}
}

func TestRunConfigHooks_UnknownEvent(t *testing.T) {
	setupConfig(t, "hooks:\n  on_ingest:\n    - command: exit 1\n")
	if err := RunConfigHooks(context.Background(), "close", &types.CrashEntry{ID: 1}); err != nil {
		t.Errorf("unknown event should be ignored, got %v", err)
	}
}
