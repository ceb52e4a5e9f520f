package logpipeline

import "log/slog"

// EventLogWriter is the narrow capability the real Windows Event Log client
// exposes; the core never calls the Windows eventlog API directly. A
// production build wires a real implementation (golang.org/x/sys/windows/svc/eventlog);
// tests and non-Windows builds use an in-memory fake.
type EventLogWriter interface {
	ReportEvent(level string, eventID uint32, message string) error
	Close() error
}

// EventLogSink adapts an EventLogWriter into a Sink, mapping slog levels to
// the three Windows event log severities it understands.
type EventLogSink struct {
	w EventLogWriter
}

// NewEventLogSink wraps an EventLogWriter as a logpipeline Sink.
func NewEventLogSink(w EventLogWriter) *EventLogSink {
	return &EventLogSink{w: w}
}

func (es *EventLogSink) Write(batch []Entry) error {
	for _, e := range batch {
		if err := es.w.ReportEvent(eventLogLevel(e.Level), eventID(e), e.Message); err != nil {
			return err
		}
	}

	return nil
}

func eventLogLevel(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "Error"
	case l >= slog.LevelWarn:
		return "Warning"
	default:
		return "Information"
	}
}

func eventID(e Entry) uint32 {
	// A single generic event ID; the message text carries the detail. Real
	// Windows event sources typically register a small fixed set of IDs
	// per message category, which this pipeline does not need.
	return 1000
}

func (es *EventLogSink) Flush() error { return nil }

func (es *EventLogSink) Close() error { return es.w.Close() }
