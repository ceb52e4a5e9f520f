package logpipeline

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSink_WritesHeaderAndLines(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileSink(dir, "migrationd", 0, time.UTC)
	require.NoError(t, err)

	require.NoError(t, fs.Write([]Entry{{Time: time.Now(), Level: slog.LevelInfo, Message: "started"}}))
	require.NoError(t, fs.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)

	assert.Contains(t, string(data), "created_at=")
	assert.Contains(t, string(data), "started")
}

func TestFileSink_RotatesOnSize(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileSink(dir, "migrationd", 10, time.UTC)
	require.NoError(t, err)
	defer fs.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, fs.Write([]Entry{{Time: time.Now(), Level: slog.LevelInfo, Message: "a long message that exceeds threshold"}}))
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Greater(t, len(entries), 1)
}

func TestFileSink_RotatesOnDayChange(t *testing.T) {
	dir := t.TempDir()

	fs, err := NewFileSink(dir, "migrationd", 0, time.UTC)
	require.NoError(t, err)
	defer fs.Close()

	day1 := time.Date(2026, 7, 30, 23, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 7, 31, 1, 0, 0, 0, time.UTC)

	require.NoError(t, fs.Write([]Entry{{Time: day1, Level: slog.LevelInfo, Message: "day1"}}))
	require.NoError(t, fs.Write([]Entry{{Time: day2, Level: slog.LevelInfo, Message: "day2"}}))

	// NewFileSink already opened a file for today's date; each of the two
	// past-day writes then opens a file of its own.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestParseRotSeq(t *testing.T) {
	assert.Equal(t, 0, parseRotSeq("migrationd-2026-07-31"))
	assert.Equal(t, 2, parseRotSeq("migrationd-2026-07-31.2"))
}
