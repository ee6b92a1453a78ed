package config

import (
	"os"
	"sort"
	"strconv"
)

// Environment variables understood by every gasbot process.
const (
	EnvConfigDir = "GASBOT_CONFIG"
	EnvRole      = "GASBOT_ROLE"
	EnvProcess   = "GASBOT_PROCESS"
	EnvRunID     = "GASBOT_RUN_ID"
	EnvLogLevel  = "GASBOT_LOG_LEVEL"
	EnvWorker    = "GASBOT_WORKER"
)

// Roles a child process can take.
const (
	RoleSupervisor = "supervisor"
	RoleWorker     = "worker"
	RoleBridge     = "bridge"
)

// ChildEnvConfig specifies the environment a supervisor hands to a child.
type ChildEnvConfig struct {
	// Role is worker or bridge.
	Role string

	// Index is the worker index; ignored for the bridge.
	Index int

	// ConfigDir is the resolved configuration directory.
	ConfigDir string

	// RunID ties the records of every process of one run together.
	RunID string

	// LogLevel is forwarded so children log at the supervisor's level.
	LogLevel string
}

// ChildEnv returns the environment variables for a child process.
func ChildEnv(cfg ChildEnvConfig) map[string]string {
	env := map[string]string{
		EnvRole:      cfg.Role,
		EnvProcess:   ProcessName(cfg.Role, cfg.Index),
		EnvConfigDir: cfg.ConfigDir,
	}
	if cfg.Role == RoleWorker {
		env[EnvWorker] = strconv.Itoa(cfg.Index)
	}
	if cfg.RunID != "" {
		env[EnvRunID] = cfg.RunID
	}
	if cfg.LogLevel != "" {
		env[EnvLogLevel] = cfg.LogLevel
	}
	return env
}

// ProcessName is the name a process carries in logs and channel frames.
func ProcessName(role string, index int) string {
	if role == RoleWorker {
		return "worker-" + strconv.Itoa(index)
	}
	return role
}

// MergeEnv merges multiple environment maps, with later maps taking precedence.
func MergeEnv(maps ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, m := range maps {
		for k, v := range m {
			result[k] = v
		}
	}
	return result
}

// EnvForExecCommand returns os.Environ() with the given env vars appended.
// Keys are appended in sorted order so the result is deterministic.
func EnvForExecCommand(env map[string]string) []string {
	return append(os.Environ(), EnvToSlice(env)...)
}

// EnvToSlice converts an env map to a sorted slice of "K=V" strings.
func EnvToSlice(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	result := make([]string, 0, len(env))
	for _, k := range keys {
		result = append(result, k+"="+env[k])
	}
	return result
}

// ResolveDir picks the configuration directory: the flag value, then
// GASBOT_CONFIG, then ./config.
func ResolveDir(flag string) string {
	if flag != "" {
		return flag
	}
	if v := os.Getenv(EnvConfigDir); v != "" {
		return v
	}
	return "config"
}
