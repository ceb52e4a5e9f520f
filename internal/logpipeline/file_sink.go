package logpipeline

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileSink is the rotated file sink: it writes one line per Entry to a file
// that rotates when it crosses MaxBytes or when the calendar day (in Loc)
// differs from the file's key. Grounded on internal/daemon/pidfile.go's
// single-fact-per-process header convention (creation time, hostname, PID
// written once per file, mirroring WritePIDFile's "one fact per process"
// shape).
type FileSink struct {
	dir      string
	prefix   string
	maxBytes int64
	loc      *time.Location
	hostname string
	pid      int

	mu      sync.Mutex
	f       *os.File
	w       *bufio.Writer
	written int64
	key     string // current rotation key, e.g. "2026-07-31"
	rotSeq  int
}

// NewFileSink creates a rotating file sink writing into dir with the given
// filename prefix (e.g. "migrationd") and byte-size rotation threshold.
func NewFileSink(dir, prefix string, maxBytes int64, loc *time.Location) (*FileSink, error) {
	if loc == nil {
		loc = time.UTC
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("logpipeline: creating log dir: %w", err)
	}

	hostname, _ := os.Hostname()

	fs := &FileSink{
		dir:      dir,
		prefix:   prefix,
		maxBytes: maxBytes,
		loc:      loc,
		hostname: hostname,
		pid:      os.Getpid(),
	}

	if err := fs.rotate(time.Now().In(loc)); err != nil {
		return nil, err
	}

	return fs, nil
}

func (fs *FileSink) dayKey(t time.Time) string {
	return t.In(fs.loc).Format("2006-01-02")
}

// rotate closes the current file (if any), opens a new one for `now`'s day
// key, and writes the header line. Must be called with fs.mu held or during
// construction before any other goroutine can observe fs.
func (fs *FileSink) rotate(now time.Time) error {
	if fs.w != nil {
		fs.w.Flush()
		fs.f.Close()
	}

	key := fs.dayKey(now)
	if key == fs.key {
		fs.rotSeq++
	} else {
		fs.key = key
		fs.rotSeq = 0
	}

	name := fmt.Sprintf("%s-%s", fs.prefix, key)
	if fs.rotSeq > 0 {
		name = fmt.Sprintf("%s.%d", name, fs.rotSeq)
	}

	path := filepath.Join(fs.dir, name+".log")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logpipeline: opening log file %s: %w", path, err)
	}

	fs.f = f
	fs.w = bufio.NewWriter(f)
	fs.written = 0

	header := fmt.Sprintf("# created_at=%s host=%s pid=%d\n", now.UTC().Format(time.RFC3339), fs.hostname, fs.pid)
	n, err := fs.w.WriteString(header)
	fs.written += int64(n)

	return err
}

// Write appends batch's entries as lines, rotating first if needed.
func (fs *FileSink) Write(batch []Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, e := range batch {
		now := e.Time
		if now.IsZero() {
			now = time.Now()
		}

		if fs.dayKey(now) != fs.key || (fs.maxBytes > 0 && fs.written >= fs.maxBytes) {
			if err := fs.rotate(now); err != nil {
				return err
			}
		}

		line := formatLine(e)

		n, err := fs.w.WriteString(line)
		fs.written += int64(n)

		if err != nil {
			return err
		}
	}

	return nil
}

func formatLine(e Entry) string {
	var b strings.Builder

	b.WriteString(e.Time.UTC().Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(e.Level.String())
	b.WriteByte(' ')
	b.WriteString(e.Message)

	for _, a := range e.Attrs {
		b.WriteByte(' ')
		b.WriteString(a.Key)
		b.WriteByte('=')
		b.WriteString(a.Value.String())
	}

	b.WriteByte('\n')

	return b.String()
}

// Flush pushes buffered bytes to the OS.
func (fs *FileSink) Flush() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	return fs.w.Flush()
}

// Close flushes and closes the underlying file.
func (fs *FileSink) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := fs.w.Flush(); err != nil {
		fs.f.Close()
		return err
	}

	return fs.f.Close()
}

// parseRotSeq extracts the trailing ".N" rotation sequence from a base name;
// only the tests call it.
func parseRotSeq(name string) int {
	idx := strings.LastIndex(name, ".")
	if idx < 0 {
		return 0
	}

	n, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return 0
	}

	return n
}
