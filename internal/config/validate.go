package config

import (
	"errors"
	"fmt"
	"time"
)

// Validation range constants.
const (
	minDelays           = 0
	maxDelays           = 50
	minPercentage       = 1
	maxPercentage       = 100
	minLogRetention     = 1
	minQueueSize        = 16
	minHighWatermark    = 1
	minBatchSize        = 1
	minMaxMessageBytes  = 1024
	maxMessageCeiling   = 1 << 20 // the wire protocol hard cap (1 MiB)
	minDispatchTimeout  = 1 * time.Second
	minShutdownTimeout  = 1 * time.Second
	minHeartbeatPeriod  = 1 * time.Second
	minStatusCacheTTL   = 1 * time.Second
	minStallWindow      = 30 * time.Second
	minPollInterval     = 1 * time.Second
)

// Validate checks all configuration values and returns all errors found. It
// accumulates every error rather than stopping at the first, so an operator
// sees a complete report and can fix every issue in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateOrchestrator(&cfg.Orchestrator)...)
	errs = append(errs, validateCloud(&cfg.Cloud)...)
	errs = append(errs, validateQuota(&cfg.Quota)...)

	return errors.Join(errs...)
}

func validateServer(s *ServerConfig) []error {
	var errs []error

	if s.EndpointName == "" {
		errs = append(errs, errors.New("server.endpoint_name: must not be empty"))
	}

	errs = append(errs, validateDurationMin("server.dispatch_timeout", s.DispatchTimeout, minDispatchTimeout)...)
	errs = append(errs, validateDurationMin("server.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)...)
	errs = append(errs, validateDurationMin("server.heartbeat_period", s.HeartbeatPeriod, minHeartbeatPeriod)...)

	if s.MaxMessageBytes < minMaxMessageBytes || s.MaxMessageBytes > maxMessageCeiling {
		errs = append(errs, fmt.Errorf("server.max_message_bytes: must be between %d and %d, got %d",
			minMaxMessageBytes, maxMessageCeiling, s.MaxMessageBytes))
	}

	return errs
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	errs = append(errs, validateLogLevel(l.LogLevel)...)
	errs = append(errs, validateLogFormat(l.LogFormat)...)
	errs = append(errs, validateOverflowPolicy(l.OverflowPolicy)...)

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	if l.QueueSize < minQueueSize {
		errs = append(errs, fmt.Errorf("logging.queue_size: must be >= %d, got %d", minQueueSize, l.QueueSize))
	}

	if l.HighWatermark < minHighWatermark || l.HighWatermark >= l.QueueSize {
		errs = append(errs, fmt.Errorf(
			"logging.high_watermark: must be >= %d and < queue_size (%d), got %d",
			minHighWatermark, l.QueueSize, l.HighWatermark))
	}

	if l.BatchSize < minBatchSize {
		errs = append(errs, fmt.Errorf("logging.batch_size: must be >= %d, got %d", minBatchSize, l.BatchSize))
	}

	errs = append(errs, validateDurationNonNeg("logging.flush_interval", l.FlushInterval)...)

	if l.MaxFileSize != "" {
		if _, err := ParseSize(l.MaxFileSize); err != nil {
			errs = append(errs, fmt.Errorf("logging.max_file_size: %w", err))
		}
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

func validateLogLevel(level string) []error {
	if !validLogLevels[level] {
		return []error{fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", level)}
	}

	return nil
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

func validateLogFormat(format string) []error {
	if !validLogFormats[format] {
		return []error{fmt.Errorf("logging.log_format: must be one of text, json; got %q", format)}
	}

	return nil
}

var validOverflowPolicies = map[string]bool{
	"DropOldest": true,
	"DropNewest": true,
	"Block":      true,
}

func validateOverflowPolicy(policy string) []error {
	if !validOverflowPolicies[policy] {
		return []error{fmt.Errorf(
			"logging.overflow_policy: must be one of DropOldest, DropNewest, Block; got %q", policy)}
	}

	return nil
}

func validateOrchestrator(o *OrchestratorConfig) []error {
	var errs []error

	if len(o.Categories) == 0 {
		errs = append(errs, errors.New("orchestrator.categories: must not be empty"))
	}

	if o.MaxDelays < minDelays || o.MaxDelays > maxDelays {
		errs = append(errs, fmt.Errorf("orchestrator.max_delays: must be between %d and %d, got %d",
			minDelays, maxDelays, o.MaxDelays))
	}

	errs = append(errs, validateDurationNonNeg("orchestrator.max_single_delay", o.MaxSingleDelay)...)
	errs = append(errs, validateDurationNonNeg("orchestrator.default_deadline", o.DefaultDeadline)...)
	errs = append(errs, validateDurationNonNeg("orchestrator.warning_cooldown", o.WarningCooldown)...)
	errs = append(errs, validateDurationNonNeg("orchestrator.escalation_cooldown", o.EscalationCooldown)...)
	errs = append(errs, validateDurationMin("orchestrator.poll_interval", o.PollInterval, minPollInterval)...)

	return errs
}

func validateCloud(c *CloudConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("cloud.status_cache_ttl", c.StatusCacheTTL, minStatusCacheTTL)...)
	errs = append(errs, validateDurationMin("cloud.stall_window", c.StallWindow, minStallWindow)...)

	if c.MaxErrorRetries < 0 {
		errs = append(errs, fmt.Errorf("cloud.max_error_retries: must be >= 0, got %d", c.MaxErrorRetries))
	}

	if c.EscalateAfterErrs < 1 {
		errs = append(errs, fmt.Errorf("cloud.escalate_after_errors: must be >= 1, got %d", c.EscalateAfterErrs))
	}

	return errs
}

func validateQuota(q *QuotaConfig) []error {
	var errs []error

	if q.MinFreeMB < 0 {
		errs = append(errs, fmt.Errorf("quota.min_free_mb: must be >= 0, got %d", q.MinFreeMB))
	}

	if q.WarningPct < minPercentage || q.WarningPct > maxPercentage {
		errs = append(errs, fmt.Errorf("quota.warning_pct: must be between %d and %d, got %d",
			minPercentage, maxPercentage, q.WarningPct))
	}

	if q.CriticalPct < minPercentage || q.CriticalPct > maxPercentage {
		errs = append(errs, fmt.Errorf("quota.critical_pct: must be between %d and %d, got %d",
			minPercentage, maxPercentage, q.CriticalPct))
	}

	if q.CriticalPct < q.WarningPct {
		errs = append(errs, fmt.Errorf("quota.critical_pct (%d) must be >= quota.warning_pct (%d)",
			q.CriticalPct, q.WarningPct))
	}

	errs = append(errs, validateDurationNonNeg("quota.repeated_warning_window", q.RepeatedWarningWindow)...)

	if q.RepeatedWarningCount < 1 {
		errs = append(errs, fmt.Errorf("quota.repeated_warning_count: must be >= 1, got %d", q.RepeatedWarningCount))
	}

	return errs
}

// validateDuration checks that a duration string is valid and meets a
// minimum. Used wherever a field name is contextual to its section.
func validateDuration(field, value string, minimum time.Duration) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: invalid duration %q: %w", field, value, err)
	}

	if d < minimum {
		return fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)
	}

	return nil
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	if err := validateDuration(field, value, minimum); err != nil {
		return []error{err}
	}

	return nil
}

func validateDurationNonNeg(field, value string) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < 0 {
		return []error{fmt.Errorf("%s: must be >= 0, got %s", field, d)}
	}

	return nil
}
