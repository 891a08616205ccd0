package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Database backends.
const (
	BackendEmbedded = "embedded"
	BackendServer   = "server"
	BackendMemory   = "memory"
)

// Token stores for asynchronous reassignment tracking.
const (
	TokenStoreMemory = "memory"
	TokenStoreRedis  = "redis"
)

// DatabaseSettings describes how to open the crash database.
type DatabaseSettings struct {
	Backend     string
	Path        string // embedded: directory holding the Dolt database
	Name        string
	CommitName  string
	CommitEmail string
	Host        string
	Port        int
	User        string
	Password    string
}

// Database returns the database settings, resolving a relative path against
// workspaceDir.
func Database(workspaceDir string) (DatabaseSettings, error) {
	s := DatabaseSettings{
		Backend:     GetString("database.backend"),
		Path:        GetString("database.path"),
		Name:        GetString("database.name"),
		CommitName:  GetString("database.commit-name"),
		CommitEmail: GetString("database.commit-email"),
		Host:        GetString("database.server.host"),
		Port:        GetInt("database.server.port"),
		User:        GetString("database.server.user"),
		Password:    GetString("database.server.password"),
	}
	switch s.Backend {
	case BackendEmbedded, BackendServer, BackendMemory:
	default:
		return s, fmt.Errorf("unknown database.backend %q (want %s, %s or %s)",
			s.Backend, BackendEmbedded, BackendServer, BackendMemory)
	}
	if s.Path == "" {
		s.Path = filepath.Join(workspaceDir, "dolt")
	} else if !filepath.IsAbs(s.Path) && workspaceDir != "" {
		s.Path = filepath.Join(filepath.Dir(workspaceDir), s.Path)
	}
	return s, nil
}

// ReassignPageSize is the number of candidates an asynchronous
// reassignment processes per page.
func ReassignPageSize() int {
	if n := GetInt("reassign.page-size"); n > 0 {
		return n
	}
	return 1000
}

// TriageWorkers bounds concurrent triage of unbucketed crashes.
func TriageWorkers() int {
	if n := GetInt("triage.workers"); n > 0 {
		return n
	}
	return 1
}

// CrashInfoCacheSize is the number of parsed crashes kept in memory.
func CrashInfoCacheSize() int {
	return GetInt("crashinfo.cache-size")
}

// TokenStore returns the configured job token store and its expiry.
func TokenStore() (kind string, ttl time.Duration) {
	return GetString("jobs.token-store"), GetDuration("jobs.token-ttl")
}

// RedisURL locates the server used by the redis token store.
func RedisURL() string {
	return GetString("redis.url")
}

// HooksDir returns the hook script directory, defaulting to the workspace's
// hooks/ subdirectory.
func HooksDir(workspaceDir string) string {
	if dir := GetString("hooks.dir"); dir != "" {
		return dir
	}
	return filepath.Join(workspaceDir, "hooks")
}

// HookTimeout bounds each hook execution.
func HookTimeout() time.Duration {
	if d := GetDuration("hooks.timeout"); d > 0 {
		return d
	}
	return 10 * time.Second
}

// HookEntry is a shell command run for an event, configured as
//
//	hooks:
//	  on_unbucket:
//	    - name: notify
//	      command: ./notify.sh
type HookEntry struct {
	Name    string `mapstructure:"name"`
	Command string `mapstructure:"command"`
}

// GetHookCommands returns the configured commands for a hook name such as
// "on_ingest". Malformed entries are ignored.
func GetHookCommands(hookName string) []HookEntry {
	if v == nil {
		return nil
	}
	var entries []HookEntry
	if err := v.UnmarshalKey("hooks."+hookName, &entries); err != nil {
		return nil
	}
	var out []HookEntry
	for _, e := range entries {
		if e.Command != "" {
			out = append(out, e)
		}
	}
	return out
}
