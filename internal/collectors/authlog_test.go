package collectors

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTail(t *testing.T, path string) *AuthLogTail {
	t.Helper()
	tail := NewAuthLogTail(path)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = tail.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return tail
}

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	require.NoError(t, err)
}

func collectLines(t *testing.T, tail *AuthLogTail, want int) []string {
	t.Helper()
	var got []string
	require.Eventually(t, func() bool {
		got = append(got, tail.TakeLines()...)
		return len(got) >= want
	}, 5*time.Second, 50*time.Millisecond)
	return got
}

func TestTailSkipsHistoryAndPicksUpNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	appendLine(t, path, "old entry from before the agent started")

	tail := startTail(t, path)

	// Give the tailer a moment; the historical line must never show up.
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, tail.TakeLines())

	appendLine(t, path, "sshd[1]: Failed password for root from 203.0.113.9 port 22")
	appendLine(t, path, "sshd[2]: Accepted password for antonio from 192.168.1.2 port 22")

	got := collectLines(t, tail, 2)
	assert.Contains(t, got[0], "Failed password")
	assert.Contains(t, got[1], "Accepted password")
}

func TestTailSurvivesRotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.log")
	appendLine(t, path, "seed")

	tail := startTail(t, path)
	time.Sleep(100 * time.Millisecond)

	appendLine(t, path, "before rotation")
	collectLines(t, tail, 1)

	// logrotate-style: rename away, recreate empty.
	require.NoError(t, os.Rename(path, filepath.Join(dir, "auth.log.1")))
	appendLine(t, path, "after rotation")

	got := collectLines(t, tail, 1)
	assert.Contains(t, got[len(got)-1], "after rotation")
}

func TestTailSurvivesTruncation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	appendLine(t, path, "seed line that makes the file non-empty")

	tail := startTail(t, path)
	time.Sleep(100 * time.Millisecond)

	appendLine(t, path, "pre-truncate")
	collectLines(t, tail, 1)

	require.NoError(t, os.Truncate(path, 0))
	appendLine(t, path, "post-truncate")

	got := collectLines(t, tail, 1)
	assert.Contains(t, got[len(got)-1], "post-truncate")
}

func TestTailStartsBeforeFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "auth.log")
	tail := startTail(t, path)

	time.Sleep(100 * time.Millisecond)
	appendLine(t, path, "first ever line")

	got := collectLines(t, tail, 1)
	assert.Equal(t, "first ever line", got[0])
}

func TestTakeLinesDrainsBuffer(t *testing.T) {
	tail := NewAuthLogTail("unused")
	tail.push("a")
	tail.push("b")

	assert.Equal(t, []string{"a", "b"}, tail.TakeLines())
	assert.Empty(t, tail.TakeLines())
}

func TestBufferDropsOldestWhenFull(t *testing.T) {
	tail := NewAuthLogTail("unused")
	for i := 0; i < maxBufferedLines+10; i++ {
		tail.push("x")
	}
	got := tail.TakeLines()
	assert.Len(t, got, maxBufferedLines)
}
