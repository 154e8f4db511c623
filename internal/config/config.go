// Package config loads loom's runtime configuration: the storage root
// checkpoints/DLQ/events/sessions live under, the automation flag that
// suppresses interactive prompts, and the defaults applied to workflows
// that don't override them.
//
// Grounded on the teacher's config.Load (internal/config/config.go): the
// same env-var-with-default, viper-as-config-file-fallback shape,
// generalized from Station's large multi-subsystem Config down to the
// handful of settings loom's core actually reads, and renamed from the
// STN_/STATION_ prefix to LOOM_ per spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// loadedConfig is consulted by GetStorageRoot so path helpers agree with
// whatever Load() most recently produced, mirroring the teacher's
// loadedConfig/GetStationConfigDir split.
var loadedConfig *Config

// Config is loom's runtime configuration (spec.md §6 CLI surface).
//
// `validate` tags drive Validate() via go-playground/validator/v10 rather
// than a hand-rolled chain of if-statements.
type Config struct {
	// StorageDir overrides the default ~/.loom storage root.
	StorageDir string

	// Automation suppresses interactive prompts (confirmations, TTY
	// progress bars); set by LOOM_AUTOMATION=true for CI/non-interactive
	// invocations.
	Automation bool

	// ClaudeBinary is the external code-assistant CLI invoked by
	// claude-kind steps.
	ClaudeBinary string

	// CheckpointKeepN bounds how many checkpoint versions Prune retains
	// per workflow; 0 keeps all.
	CheckpointKeepN int `validate:"gte=0"`

	// EventBufferSize sizes the event emitter's bounded channel before it
	// starts dropping the oldest pending event.
	EventBufferSize int `validate:"gt=0"`

	// DefaultMaxParallel is loaded and validated but not passed to the
	// MapReduce coordinator: a mapreduce step whose YAML omits max_parallel
	// runs one agent at a time regardless of this setting.
	DefaultMaxParallel int `validate:"gt=0"`

	// DefaultAgentTimeoutSec is loaded and validated but not passed to the
	// MapReduce coordinator: a step that doesn't set agent_timeout_secs
	// runs its agents with no per-agent timeout.
	DefaultAgentTimeoutSec int `validate:"gte=0"`

	GitAuthorName  string
	GitAuthorEmail string

	// LogLevel is one of debug/info/warn/error.
	LogLevel string `validate:"oneof=debug info warn error"`
	// LogFormat is "text" or "json".
	LogFormat string `validate:"oneof=text json"`
}

// InitViper wires config-file discovery (explicit path, then cwd, then the
// storage root) ahead of Load(). Environment variables always win over
// whatever the file sets.
func InitViper(cfgFile string) error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwdConfig := ""
		if cwd, err := os.Getwd(); err == nil {
			if _, err := os.Stat(filepath.Join(cwd, "loom.yaml")); err == nil {
				cwdConfig = filepath.Join(cwd, "loom.yaml")
			}
		}
		if cwdConfig != "" {
			viper.SetConfigFile(cwdConfig)
		} else {
			viper.AddConfigPath(GetStorageRoot())
			viper.SetConfigType("yaml")
			viper.SetConfigName("config")
		}
	}

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "[config] using config file: %s\n", viper.ConfigFileUsed())
	}

	viper.AutomaticEnv()
	bindEnvVars()
	return nil
}

func bindEnvVars() {
	viper.BindEnv("storage_dir", "LOOM_STORAGE_DIR")
	viper.BindEnv("automation", "LOOM_AUTOMATION")
	viper.BindEnv("claude_binary", "LOOM_CLAUDE_BINARY")
	viper.BindEnv("checkpoint_keep_n", "LOOM_CHECKPOINT_KEEP_N")
	viper.BindEnv("event_buffer_size", "LOOM_EVENT_BUFFER_SIZE")
	viper.BindEnv("default_max_parallel", "LOOM_DEFAULT_MAX_PARALLEL")
	viper.BindEnv("default_agent_timeout_secs", "LOOM_DEFAULT_AGENT_TIMEOUT_SECS")
	viper.BindEnv("git_author_name", "LOOM_GIT_AUTHOR_NAME")
	viper.BindEnv("git_author_email", "LOOM_GIT_AUTHOR_EMAIL")
	viper.BindEnv("log_level", "LOOM_LOG_LEVEL")
	viper.BindEnv("log_format", "LOOM_LOG_FORMAT")
}

// Load reads environment variables (LOOM_STORAGE_DIR, LOOM_AUTOMATION, per
// spec.md §6), falling back to viper-bound config file values, then
// built-in defaults.
func Load() (*Config, error) {
	bindEnvVars()

	cfg := &Config{
		StorageDir:             getStringSetting("storage_dir", "LOOM_STORAGE_DIR", defaultStorageDir()),
		Automation:             getBoolSetting("automation", "LOOM_AUTOMATION", false),
		ClaudeBinary:           getStringSetting("claude_binary", "LOOM_CLAUDE_BINARY", "claude"),
		CheckpointKeepN:        getIntSetting("checkpoint_keep_n", "LOOM_CHECKPOINT_KEEP_N", 10),
		EventBufferSize:        getIntSetting("event_buffer_size", "LOOM_EVENT_BUFFER_SIZE", 1024),
		DefaultMaxParallel:     getIntSetting("default_max_parallel", "LOOM_DEFAULT_MAX_PARALLEL", 4),
		DefaultAgentTimeoutSec: getIntSetting("default_agent_timeout_secs", "LOOM_DEFAULT_AGENT_TIMEOUT_SECS", 0),
		GitAuthorName:          getStringSetting("git_author_name", "LOOM_GIT_AUTHOR_NAME", "loom"),
		GitAuthorEmail:         getStringSetting("git_author_email", "LOOM_GIT_AUTHOR_EMAIL", "loom@localhost"),
		LogLevel:               getStringSetting("log_level", "LOOM_LOG_LEVEL", "info"),
		LogFormat:              getStringSetting("log_format", "LOOM_LOG_FORMAT", "text"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	loadedConfig = cfg
	return cfg, nil
}

var configValidator = validator.New()

// Validate rejects settings the rest of loom cannot act on, surfaced to
// the CLI as exit code 2 (spec.md §6).
func (c *Config) Validate() error {
	if err := configValidator.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getStringSetting(viperKey, envKey, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if v := viper.GetString(viperKey); v != "" {
		return v
	}
	return defaultValue
}

func getBoolSetting(viperKey, envKey string, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	if viper.IsSet(viperKey) {
		return viper.GetBool(viperKey)
	}
	return defaultValue
}

func getIntSetting(viperKey, envKey string, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if viper.IsSet(viperKey) {
		return viper.GetInt(viperKey)
	}
	return defaultValue
}
