package daemon

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fleetops/migrationd/internal/config"
	"github.com/fleetops/migrationd/internal/logpipeline"
)

// BuildLogPipeline assembles the console/file/event-log sinks named by cfg
// into a logpipeline.Pipeline and wraps it as a *slog.Logger. Callers must
// Dispose() the returned Pipeline on shutdown.
func BuildLogPipeline(cfg config.LoggingConfig, eventLog logpipeline.EventLogWriter) (*logpipeline.Pipeline, *slog.Logger, error) {
	var sinks []logpipeline.Sink
	var sinkCfgs []logpipeline.SinkConfig

	sinkCfg := func(name string) logpipeline.SinkConfig {
		c := logpipeline.SinkConfig{
			Name:          name,
			QueueSize:     cfg.QueueSize,
			HighWatermark: cfg.HighWatermark,
			BatchSize:     cfg.BatchSize,
			Overflow:      logpipeline.OverflowPolicy(cfg.OverflowPolicy),
		}
		if c.QueueSize <= 0 {
			c.QueueSize = 1024
		}
		if c.HighWatermark <= 0 {
			c.HighWatermark = c.QueueSize * 3 / 4
		}
		if c.BatchSize <= 0 {
			c.BatchSize = 32
		}
		if c.Overflow == "" {
			c.Overflow = logpipeline.DropOldest
		}

		if d, err := time.ParseDuration(cfg.FlushInterval); err == nil && d > 0 {
			c.FlushInterval = d
		} else {
			c.FlushInterval = time.Second
		}

		return c
	}

	if cfg.EnableConsole {
		sinks = append(sinks, logpipeline.NewConsoleSink(os.Stderr))
		sinkCfgs = append(sinkCfgs, sinkCfg("console"))
	}

	if cfg.LogDir != "" {
		maxBytes := int64(100 * 1024 * 1024)
		if cfg.MaxFileSize != "" {
			if n, err := humanize.ParseBytes(cfg.MaxFileSize); err == nil {
				maxBytes = int64(n)
			}
		}

		fileSink, err := logpipeline.NewFileSink(cfg.LogDir, "migrationd", maxBytes, time.Local)
		if err != nil {
			return nil, nil, fmt.Errorf("creating file sink in %s: %w", cfg.LogDir, err)
		}

		sinks = append(sinks, fileSink)
		sinkCfgs = append(sinkCfgs, sinkCfg("file"))
	}

	if cfg.EnableEventLog && eventLog != nil {
		sinks = append(sinks, logpipeline.NewEventLogSink(eventLog))
		sinkCfgs = append(sinkCfgs, sinkCfg("eventlog"))
	}

	if len(sinks) == 0 {
		sinks = append(sinks, logpipeline.NewConsoleSink(os.Stderr))
		sinkCfgs = append(sinkCfgs, sinkCfg("console"))
	}

	pipeline := logpipeline.New(sinks, sinkCfgs)
	handler := logpipeline.NewHandler(pipeline, parseLevel(cfg.LogLevel))

	return pipeline, slog.New(handler), nil
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
