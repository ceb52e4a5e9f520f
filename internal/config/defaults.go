package config

// Default values for configuration options. These represent the "layer 0"
// of the three-layer override chain (defaults -> config file -> environment
// / CLI) and are chosen to be safe, reasonable starting points that work
// without any config file.
const (
	defaultEndpointName    = "MigrationService_{machine}"
	defaultDispatchTimeout = "30s"
	defaultShutdownTimeout = "30s"
	defaultHeartbeatPeriod = "30s"
	defaultMaxMessageBytes = 1 << 20 // 1 MiB, per the wire-framing invariant

	defaultDBPath = "migrationd.db"

	defaultLogLevel         = "info"
	defaultLogFormat        = "text"
	defaultLogRetentionDays = 30
	defaultMaxFileSize      = "100MB"
	defaultQueueSize        = 4096
	defaultHighWatermark    = 3072
	defaultBatchSize        = 64
	defaultFlushInterval    = "1s"
	defaultOverflowPolicy   = "DropOldest"

	defaultMaxDelays          = 3
	defaultMaxSingleDelay     = "24h"
	defaultDefaultDeadline    = "72h"
	defaultWarningCooldown    = "24h"
	defaultEscalationCooldown = "72h"
	defaultPollInterval       = "5m"

	defaultStatusCacheTTL    = "5m"
	defaultStallWindow       = "5m"
	defaultMaxErrorRetries   = 3
	defaultEscalateAfterErrs = 3

	defaultMinFreeMB             = 1024
	defaultWarningPct            = 85
	defaultCriticalPct           = 95
	defaultRepeatedWarningWindow = "168h" // 7 days
	defaultRepeatedWarningCount  = 3

	defaultInactiveBackupMinSizeMB = 50
)

// defaultCategories lists the backup categories evaluated for every user
// when a profile does not narrow the set via BACKUP_STARTED.
var defaultCategories = []string{"Files", "Browsers", "Email", "System"}

// DefaultConfig returns a Config populated with all default values. This is
// used both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Server:       defaultServerConfig(),
		Store:        defaultStoreConfig(),
		Logging:      defaultLoggingConfig(),
		Orchestrator: defaultOrchestratorConfig(),
		Cloud:        defaultCloudConfig(),
		Quota:        defaultQuotaConfig(),
		Profile:      defaultProfileConfig(),
	}
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		EndpointName:    defaultEndpointName,
		DispatchTimeout: defaultDispatchTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
		HeartbeatPeriod: defaultHeartbeatPeriod,
		MaxMessageBytes: defaultMaxMessageBytes,
	}
}

func defaultStoreConfig() StoreConfig {
	return StoreConfig{DBPath: defaultDBPath}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
		MaxFileSize:      defaultMaxFileSize,
		QueueSize:        defaultQueueSize,
		HighWatermark:    defaultHighWatermark,
		BatchSize:        defaultBatchSize,
		FlushInterval:    defaultFlushInterval,
		OverflowPolicy:   defaultOverflowPolicy,
		EnableConsole:    true,
	}
}

func defaultOrchestratorConfig() OrchestratorConfig {
	categories := make([]string, len(defaultCategories))
	copy(categories, defaultCategories)

	return OrchestratorConfig{
		Categories:         categories,
		MaxDelays:          defaultMaxDelays,
		MaxSingleDelay:     defaultMaxSingleDelay,
		DefaultDeadline:    defaultDefaultDeadline,
		WarningCooldown:    defaultWarningCooldown,
		EscalationCooldown: defaultEscalationCooldown,
		PollInterval:       defaultPollInterval,
	}
}

func defaultCloudConfig() CloudConfig {
	return CloudConfig{
		StatusCacheTTL:    defaultStatusCacheTTL,
		StallWindow:       defaultStallWindow,
		MaxErrorRetries:   defaultMaxErrorRetries,
		EscalateAfterErrs: defaultEscalateAfterErrs,
	}
}

func defaultQuotaConfig() QuotaConfig {
	return QuotaConfig{
		MinFreeMB:             defaultMinFreeMB,
		WarningPct:            defaultWarningPct,
		CriticalPct:           defaultCriticalPct,
		RepeatedWarningWindow: defaultRepeatedWarningWindow,
		RepeatedWarningCount:  defaultRepeatedWarningCount,
	}
}

func defaultProfileConfig() ProfileConfig {
	return ProfileConfig{
		InactiveBackupMinSizeMB: defaultInactiveBackupMinSizeMB,
		BackupInactiveProfiles:  false,
	}
}
