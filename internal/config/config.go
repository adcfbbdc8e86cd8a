// Package config loads the layered runtime configuration: compiled
// defaults, then the YAML config file, then RUNWAY_* environment
// variables. Runtime-tunable keys can additionally be overridden through
// the control store's config table, which the services read through.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// GateCheck is one named merge-gate check with its shell command.
type GateCheck struct {
	Name    string `mapstructure:"name" json:"name"`
	Command string `mapstructure:"command" json:"command"`
}

// Config is the full process configuration.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	DBPath       string `mapstructure:"db_path"`
	RepoRoot     string `mapstructure:"repo_root"`
	WorktreeRoot string `mapstructure:"worktree_root"`
	MainBranch   string `mapstructure:"main_branch"`
	Remote       string `mapstructure:"remote"`
	ArtifactsDir string `mapstructure:"artifacts_dir"`
	LogFile      string `mapstructure:"log_file"`

	SlotIDs             []string `mapstructure:"slot_ids"`
	SlotLeaseTTLSeconds int      `mapstructure:"slot_lease_ttl_seconds"`
	ReapIntervalSeconds int      `mapstructure:"reap_interval_seconds"`

	PreviewDBNameTemplate string `mapstructure:"preview_db_name_template"`
	ControlDBName         string `mapstructure:"control_db_name"`
	SeedFileTemplate      string `mapstructure:"seed_file_template"`
	SnapshotFileTemplate  string `mapstructure:"snapshot_file_template"`
	SeedCatalogPath       string `mapstructure:"seed_catalog_path"`
	ResetDriver           string `mapstructure:"reset_driver"`
	ResetScriptPath       string `mapstructure:"reset_script_path"`
	PreviewDBAdminURL     string `mapstructure:"preview_db_admin_url"`

	DeployReloadCommand      string `mapstructure:"deploy_reload_command"`
	DeployHealthCommand      string `mapstructure:"deploy_health_command"`
	DeployStepTimeoutSeconds int    `mapstructure:"deploy_step_timeout_seconds"`

	MergeGateChecks          []GateCheck `mapstructure:"merge_gate_checks"`
	MergeGateTimeoutSeconds  int         `mapstructure:"merge_gate_timeout_seconds"`
	MergeGateRecheckRequired bool        `mapstructure:"merge_gate_recheck_required"`
	PushMode                 string      `mapstructure:"push_mode"`

	TraceHeaderName string `mapstructure:"trace_header_name"`
}

// Load reads configuration from path (optional) plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("RUNWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8787")
	v.SetDefault("db_path", "runway.db")
	v.SetDefault("repo_root", ".")
	v.SetDefault("worktree_root", ".runway/worktrees")
	v.SetDefault("main_branch", "main")
	v.SetDefault("remote", "origin")
	v.SetDefault("artifacts_dir", ".runway/artifacts")
	v.SetDefault("log_file", "")

	v.SetDefault("slot_ids", []string{"preview-1", "preview-2", "preview-3"})
	v.SetDefault("slot_lease_ttl_seconds", 1800)
	v.SetDefault("reap_interval_seconds", 60)

	v.SetDefault("preview_db_name_template", "app_preview_{n}")
	v.SetDefault("control_db_name", "app_control")
	v.SetDefault("seed_file_template", "")
	v.SetDefault("snapshot_file_template", "")
	v.SetDefault("seed_catalog_path", "")
	v.SetDefault("reset_driver", "script")
	v.SetDefault("reset_script_path", "")
	v.SetDefault("preview_db_admin_url", "")

	v.SetDefault("deploy_reload_command", "")
	v.SetDefault("deploy_health_command", "")
	v.SetDefault("deploy_step_timeout_seconds", 120)

	v.SetDefault("merge_gate_checks", []map[string]any{
		{"name": "lint", "command": ""},
		{"name": "test", "command": ""},
		{"name": "smoke", "command": ""},
	})
	v.SetDefault("merge_gate_timeout_seconds", 900)
	v.SetDefault("merge_gate_recheck_required", true)
	v.SetDefault("push_mode", "auto")

	v.SetDefault("trace_header_name", "X-Trace-Id")
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if len(c.SlotIDs) == 0 {
		return fmt.Errorf("config: slot_ids must not be empty")
	}
	if c.SlotLeaseTTLSeconds < 30 {
		c.SlotLeaseTTLSeconds = 30
	}
	if c.ReapIntervalSeconds < 1 {
		c.ReapIntervalSeconds = 1
	}
	if c.MergeGateTimeoutSeconds < 30 {
		c.MergeGateTimeoutSeconds = 30
	}
	if c.DeployStepTimeoutSeconds < 15 {
		c.DeployStepTimeoutSeconds = 15
	}
	switch c.ResetDriver {
	case "script", "postgres":
	default:
		return fmt.Errorf("config: reset_driver must be script or postgres, got %q", c.ResetDriver)
	}
	switch c.PushMode {
	case "auto", "manual", "dry-run":
	default:
		return fmt.Errorf("config: push_mode must be auto, manual or dry-run, got %q", c.PushMode)
	}
	if !strings.Contains(c.PreviewDBNameTemplate, "{n}") {
		return fmt.Errorf("config: preview_db_name_template must contain {n}")
	}
	return nil
}

// SlotLeaseTTL returns the lease TTL as a duration.
func (c *Config) SlotLeaseTTL() time.Duration {
	return time.Duration(c.SlotLeaseTTLSeconds) * time.Second
}

// ReapInterval returns the reaper tick interval as a duration.
func (c *Config) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSeconds) * time.Second
}

// MergeGateTimeout returns the per-check timeout as a duration.
func (c *Config) MergeGateTimeout() time.Duration {
	return time.Duration(c.MergeGateTimeoutSeconds) * time.Second
}

// DeployStepTimeout returns the deploy step timeout as a duration.
func (c *Config) DeployStepTimeout() time.Duration {
	return time.Duration(c.DeployStepTimeoutSeconds) * time.Second
}
