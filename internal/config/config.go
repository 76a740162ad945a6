// Package config provides dynamic configuration management for TalonOps.
// It uses Viper to load settings from files, environment variables, and CLI flags.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all runtime configuration for TalonOps.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort (6677): operator console API, JWT or loopback
	ControlPort int `mapstructure:"control_port"`
	// DataPort (1616): agent enrollment, telemetry, commands
	DataPort int    `mapstructure:"data_port"`
	DBPath   string `mapstructure:"db_path"`
	DBDriver string `mapstructure:"db_driver"` // only "sqlite" today

	// ── Logging ───────────────────────────────────────────────────────────────
	LogLevel  string `mapstructure:"log_level"`  // debug | info | warn | error
	LogFormat string `mapstructure:"log_format"` // json | console

	// ── Security ──────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for console tokens.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AdminUser / AdminPass seed the first admin account when the users table is empty.
	AdminUser string `mapstructure:"admin_user"`
	AdminPass string `mapstructure:"admin_pass"`

	// ── Tenancy ───────────────────────────────────────────────────────────────
	DefaultClientName string `mapstructure:"default_client_name"`

	// ── Monitoring ────────────────────────────────────────────────────────────
	// OfflineAfterSeconds: a device silent for longer is marked offline and
	// gets an uptime alert.
	OfflineAfterSeconds int    `mapstructure:"offline_after_seconds"`
	UptimeSweepSchedule string `mapstructure:"uptime_sweep_schedule"`

	// ── Remediation over SSH (agentless devices) ──────────────────────────────
	SSHUser    string `mapstructure:"ssh_user"`
	SSHKeyPath string `mapstructure:"ssh_key_path"`
	// RemediationCommands maps an action id to a shell template; "%s" is
	// replaced by the policy parameter.
	RemediationCommands map[string]string `mapstructure:"remediation_commands"`

	// ── Agent ────────────────────────────────────────────────────────────────
	AgentJoinAddr string `mapstructure:"agent_join_addr"`
	AgentInterval int    `mapstructure:"agent_interval_seconds"`
	AgentGroup    string `mapstructure:"agent_group"`
	// AgentEnrollToken is only needed for the first start (overridden by --token).
	AgentEnrollToken string `mapstructure:"agent_enroll_token"`
	// AgentStatePath stores the device id + secret issued at enrollment.
	AgentStatePath string `mapstructure:"agent_state_path"`
}

// Load reads config from file (./config.yaml or ~/.talonops/config.yaml)
// and falls back to smart defaults. Environment variables with prefix TALON_
// override file values.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.talonops")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("TALON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if cfg.OfflineAfterSeconds <= 0 {
		return nil, fmt.Errorf("offline_after_seconds must be positive, got %d", cfg.OfflineAfterSeconds)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6677) // console API
	v.SetDefault("data_port", 1616)    // agent data plane
	v.SetDefault("db_path", "talonops.db")
	v.SetDefault("db_driver", "sqlite")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	// Security defaults: MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Tl9$Kq2@vB7!nX4#pR8^cW1&eZ6*hM3")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")

	v.SetDefault("default_client_name", "Default")

	v.SetDefault("offline_after_seconds", 180)
	v.SetDefault("uptime_sweep_schedule", "@every 1m")

	v.SetDefault("ssh_user", "root")
	v.SetDefault("ssh_key_path", "~/.ssh/id_rsa")
	v.SetDefault("remediation_commands", map[string]string{
		"restart_service": "systemctl restart %s",
		"clear_temp":      "find /tmp -type f -atime +7 -delete",
	})

	v.SetDefault("agent_join_addr", "127.0.0.1:1616")
	v.SetDefault("agent_interval_seconds", 30)
	v.SetDefault("agent_group", "default")
	v.SetDefault("agent_enroll_token", "")
	v.SetDefault("agent_state_path", "talonops-agent.json")
}
