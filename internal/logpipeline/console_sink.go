package logpipeline

import (
	"bufio"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/mattn/go-isatty"
)

// ConsoleSink writes entries as plain lines to an io.Writer (stderr in
// production). No rotation, no batching beyond what the Pipeline already
// does. When w is a terminal, warning and error lines are colorized.
type ConsoleSink struct {
	mu    sync.Mutex
	w     *bufio.Writer
	f     flusher
	color bool
}

type flusher interface {
	Sync() error
}

// NewConsoleSink wraps w (typically os.Stderr). Colorization is enabled
// only when w is a real terminal, detected via go-isatty.
func NewConsoleSink(w io.Writer) *ConsoleSink {
	cs := &ConsoleSink{w: bufio.NewWriter(w)}
	if f, ok := w.(flusher); ok {
		cs.f = f
	}

	if f, ok := w.(*os.File); ok {
		cs.color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}

	return cs
}

func (cs *ConsoleSink) Write(batch []Entry) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, e := range batch {
		line := formatLine(e)
		if cs.color {
			line = colorizeLine(e.Level, line)
		}

		if _, err := cs.w.WriteString(line); err != nil {
			return err
		}
	}

	return nil
}

// colorizeLine prefixes a level-appropriate ANSI color code, reset at the
// line's end; info and debug lines are left uncolored.
func colorizeLine(level slog.Level, line string) string {
	switch {
	case level >= slog.LevelError:
		return "\x1b[31m" + line[:len(line)-1] + "\x1b[0m\n"
	case level >= slog.LevelWarn:
		return "\x1b[33m" + line[:len(line)-1] + "\x1b[0m\n"
	default:
		return line
	}
}

func (cs *ConsoleSink) Flush() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	if err := cs.w.Flush(); err != nil {
		return err
	}

	if cs.f != nil {
		return cs.f.Sync()
	}

	return nil
}

func (cs *ConsoleSink) Close() error {
	return cs.Flush()
}
