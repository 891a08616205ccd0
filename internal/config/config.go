// Package config holds ft's viper-backed settings.
//
// Settings come from, in increasing precedence: built-in defaults,
// .fuzztriage/config.yaml (searched upward from the working directory, then
// ~/.config/ft/config.yaml), FT_* environment variables, and values set
// with Set (command-line flags).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// WorkspaceDirName is the per-project directory holding config, hooks and
// the embedded database.
const WorkspaceDirName = ".fuzztriage"

const envPrefix = "FT"

var v *viper.Viper

// Initialize (re)loads configuration. It is safe to call repeatedly; each
// call starts from a fresh viper instance.
func Initialize() error {
	v = viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path, err := findConfigFile()
	if err != nil {
		return err
	}
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("json", false)

	v.SetDefault("database.backend", BackendEmbedded)
	v.SetDefault("database.path", "")
	v.SetDefault("database.name", "fuzztriage")
	v.SetDefault("database.commit-name", "ft")
	v.SetDefault("database.commit-email", "ft@localhost")
	v.SetDefault("database.server.host", "127.0.0.1")
	v.SetDefault("database.server.port", 3307)
	v.SetDefault("database.server.user", "root")
	v.SetDefault("database.server.password", "")

	v.SetDefault("reassign.page-size", 1000)
	v.SetDefault("triage.workers", 4)
	v.SetDefault("crashinfo.cache-size", 1024)

	v.SetDefault("jobs.token-store", TokenStoreMemory)
	v.SetDefault("jobs.token-ttl", 24*time.Hour)
	v.SetDefault("redis.url", "redis://localhost:6379/0")

	v.SetDefault("hooks.dir", "")
	v.SetDefault("hooks.timeout", 10*time.Second)

	v.SetDefault("bugs.github.token", "")
	v.SetDefault("bugs.github.base-url", "")
	v.SetDefault("bugs.bugzilla.url", "https://bugzilla.mozilla.org")
	v.SetDefault("bugs.bugzilla.api-key", "")
}

// findConfigFile returns the project config if one exists above the working
// directory, else the user config if it exists, else "".
func findConfigFile() (string, error) {
	if dir, err := FindWorkspaceDir(); err == nil {
		path := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	if cfgDir, err := os.UserConfigDir(); err == nil {
		path := filepath.Join(cfgDir, "ft", "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", nil
}

// FindWorkspaceDir walks up from the working directory to the nearest
// .fuzztriage directory.
func FindWorkspaceDir() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get working directory: %w", err)
	}
	for dir := cwd; ; dir = filepath.Dir(dir) {
		candidate := filepath.Join(dir, WorkspaceDirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		if dir == filepath.Dir(dir) {
			break
		}
	}
	return "", fmt.Errorf("no %s directory found (run 'ft init' first)", WorkspaceDirName)
}

// ConfigFileUsed returns the path of the loaded config file, if any.
func ConfigFileUsed() string {
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// GetString retrieves a string configuration value.
func GetString(key string) string {
	if v == nil {
		return ""
	}
	return v.GetString(key)
}

// GetBool retrieves a boolean configuration value.
func GetBool(key string) bool {
	if v == nil {
		return false
	}
	return v.GetBool(key)
}

// GetInt retrieves an integer configuration value.
func GetInt(key string) int {
	if v == nil {
		return 0
	}
	return v.GetInt(key)
}

// GetDuration retrieves a duration configuration value.
func GetDuration(key string) time.Duration {
	if v == nil {
		return 0
	}
	return v.GetDuration(key)
}

// Set overrides a configuration value for this process.
func Set(key string, value interface{}) {
	if v != nil {
		v.Set(key, value)
	}
}

// AllSettings returns the merged configuration.
func AllSettings() map[string]interface{} {
	if v == nil {
		return map[string]interface{}{}
	}
	return v.AllSettings()
}
