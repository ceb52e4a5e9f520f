// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for the migration coordination service.
package config

// Config is the top-level configuration structure for migrationd. Every
// section has built-in defaults (see DefaultConfig); a config file only
// needs to set the values it wants to override.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Store        StoreConfig        `toml:"store"`
	Logging      LoggingConfig      `toml:"logging"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Cloud        CloudConfig        `toml:"cloud"`
	Quota        QuotaConfig        `toml:"quota"`
	Profile      ProfileConfig      `toml:"profile"`
}

// ServerConfig controls the local-socket transport and dispatcher.
type ServerConfig struct {
	// EndpointName is the platform-local socket/pipe name. "{machine}" is
	// substituted with the local hostname at startup.
	EndpointName    string `toml:"endpoint_name"`
	DispatchTimeout string `toml:"dispatch_timeout"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
	HeartbeatPeriod string `toml:"heartbeat_period"`
	MaxMessageBytes int    `toml:"max_message_bytes"`
}

// StoreConfig controls the embedded persistence layer.
type StoreConfig struct {
	DBPath string `toml:"db_path"`
}

// LoggingConfig controls the buffered multi-sink log pipeline.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogDir           string `toml:"log_dir"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
	MaxFileSize      string `toml:"max_file_size"`
	QueueSize        int    `toml:"queue_size"`
	HighWatermark    int    `toml:"high_watermark"`
	BatchSize        int    `toml:"batch_size"`
	FlushInterval    string `toml:"flush_interval"`
	OverflowPolicy   string `toml:"overflow_policy"`
	EnableEventLog   bool   `toml:"enable_event_log"`
	EnableConsole    bool   `toml:"enable_console"`
}

// OrchestratorConfig controls the per-user backup state machine.
type OrchestratorConfig struct {
	Categories          []string `toml:"categories"`
	MaxDelays           int      `toml:"max_delays"`
	MaxSingleDelay      string   `toml:"max_single_delay"`
	DefaultDeadline     string   `toml:"default_deadline"`
	WarningCooldown     string   `toml:"warning_cooldown"`
	EscalationCooldown  string   `toml:"escalation_cooldown"`
	PollInterval        string   `toml:"poll_interval"`
}

// CloudConfig controls OneDrive readiness polling and sync tracking.
type CloudConfig struct {
	StatusCacheTTL    string `toml:"status_cache_ttl"`
	StallWindow       string `toml:"stall_window"`
	MaxErrorRetries   int    `toml:"max_error_retries"`
	EscalateAfterErrs int    `toml:"escalate_after_errors"`
}

// QuotaConfig controls quota health evaluation thresholds.
type QuotaConfig struct {
	MinFreeMB             int64  `toml:"min_free_mb"`
	WarningPct            int    `toml:"warning_pct"`
	CriticalPct           int    `toml:"critical_pct"`
	RepeatedWarningWindow string `toml:"repeated_warning_window"`
	RepeatedWarningCount  int    `toml:"repeated_warning_count"`
}

// ProfileConfig controls the classification engine's policy knobs.
type ProfileConfig struct {
	RuleSetPath             string `toml:"rule_set_path"`
	InactiveBackupMinSizeMB int64  `toml:"inactive_backup_min_size_mb"`
	BackupInactiveProfiles  bool   `toml:"backup_inactive_profiles"`
}
