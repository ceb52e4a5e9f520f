// Package logpipeline implements the asynchronous, multi-sink, batched
// structured-log pipeline shared by every core component: a bounded queue
// per sink, configurable overflow policy, batch/flush timing, back-pressure
// signaling, and file rotation. Components log through plain log/slog; the
// Pipeline sits underneath as the handler fanning out to every sink.
package logpipeline

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// OverflowPolicy controls what enqueue does when a sink's queue is full.
type OverflowPolicy string

const (
	// DropOldest evicts the queue head to make room for the new entry.
	DropOldest OverflowPolicy = "DropOldest"
	// DropNewest discards the entry being enqueued.
	DropNewest OverflowPolicy = "DropNewest"
	// Block waits for room, honoring ctx cancellation.
	Block OverflowPolicy = "Block"
)

// Entry is one structured log record flowing through the pipeline.
type Entry struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   []slog.Attr
}

// Sink receives batches of entries from a writer goroutine. Implementations
// must not block indefinitely — the writer's thread is shared by nothing
// else, but a hung sink stalls that sink's own batches forever, which is
// why dispose() has no cross-sink timeout: each sink owns its own fate.
type Sink interface {
	// Write delivers one batch. Errors are swallowed by the caller and
	// recorded on the pipeline's error counter; Write must never panic.
	Write(batch []Entry) error
	// Flush blocks until any data buffered inside the sink itself
	// (e.g. a bufio.Writer) has reached stable storage.
	Flush() error
	// Close releases sink resources. Called once, after a final Flush.
	Close() error
}

// SinkConfig configures one writer wrapping a single Sink.
type SinkConfig struct {
	Name           string
	QueueSize      int
	HighWatermark  int
	BatchSize      int
	FlushInterval  time.Duration
	Overflow       OverflowPolicy
}

// Pipeline fans a stream of Entry values out to N independently-queued
// sinks. Each sink gets its own goroutine, its own bounded queue, and its
// own batch/flush cadence; a slow or failing sink never blocks another.
type Pipeline struct {
	writers []*sinkWriter
	errors  atomic.Int64

	wg sync.WaitGroup

	pressureMu sync.Mutex
	onPressure func(sinkName string)
}

// New constructs a Pipeline with one writer per (sink, config) pair and
// starts their goroutines. Call Dispose to flush and stop them.
func New(sinks []Sink, configs []SinkConfig) *Pipeline {
	if len(sinks) != len(configs) {
		panic("logpipeline: sinks and configs must be the same length")
	}

	p := &Pipeline{}

	for i, sink := range sinks {
		w := newSinkWriter(sink, configs[i], p)
		p.writers = append(p.writers, w)

		p.wg.Add(1)

		go func() {
			defer p.wg.Done()
			w.run()
		}()
	}

	return p
}

// OnQueuePressure registers a callback invoked exactly once per crossing of
// a sink's high-watermark (and again after it resets and re-crosses).
func (p *Pipeline) OnQueuePressure(fn func(sinkName string)) {
	p.pressureMu.Lock()
	defer p.pressureMu.Unlock()

	p.onPressure = fn
}

func (p *Pipeline) firePressure(sinkName string) {
	p.pressureMu.Lock()
	fn := p.onPressure
	p.pressureMu.Unlock()

	if fn != nil {
		fn(sinkName)
	}
}

// Enqueue hands entry to every sink's queue, applying each sink's own
// overflow policy independently. It blocks only while a sink configured
// with Block has a full queue, until room frees up or ctx is done.
func (p *Pipeline) Enqueue(ctx context.Context, e Entry) {
	for _, w := range p.writers {
		w.enqueue(ctx, e)
	}
}

// Flush blocks until every sink's queue has drained and its own Flush has
// returned.
func (p *Pipeline) Flush() error {
	var firstErr error

	for _, w := range p.writers {
		if err := w.flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Dispose flushes then halts every writer goroutine. Safe to call once.
func (p *Pipeline) Dispose() error {
	err := p.Flush()

	for _, w := range p.writers {
		w.stop()
	}

	p.wg.Wait()

	for _, w := range p.writers {
		if cerr := w.sink.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	return err
}

// ErrorCount returns the number of sink-write failures swallowed so far.
func (p *Pipeline) ErrorCount() int64 {
	return p.errors.Load()
}

func (p *Pipeline) recordError() {
	p.errors.Add(1)
}

// Handler adapts a Pipeline into an slog.Handler, so components log
// through plain log/slog with the Pipeline as the actual sink fan-out
// underneath.
type Handler struct {
	pipeline *Pipeline
	level    slog.Leveler
	attrs    []slog.Attr
	group    string
}

// NewHandler wraps pipeline as an slog.Handler at the given minimum level.
func NewHandler(pipeline *Pipeline, level slog.Leveler) *Handler {
	return &Handler{pipeline: pipeline, level: level}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.level != nil {
		min = h.level.Level()
	}

	return level >= min
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make([]slog.Attr, 0, r.NumAttrs()+len(h.attrs))
	attrs = append(attrs, h.attrs...)

	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, a)
		return true
	})

	msg := r.Message
	if h.group != "" {
		msg = h.group + ": " + msg
	}

	h.pipeline.Enqueue(ctx, Entry{Time: r.Time, Level: r.Level, Message: msg, Attrs: attrs})

	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)

	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		next.group = next.group + "." + name
	} else {
		next.group = name
	}

	return &next
}
