// Package collectors gathers raw host state (log lines, sockets, sensors,
// mounts, memory, systemd units) for the detectors to interpret.
package collectors

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// maxBufferedLines bounds memory when the log bursts faster than the
// consuming detector drains. Oldest lines are dropped first.
const maxBufferedLines = 4096

// AuthLogTail follows an auth log file and buffers complete lines for a
// detector to drain on its own schedule. Rotation (rename or truncate) is
// handled by reopening from the start of the new file.
type AuthLogTail struct {
	path string

	mu      sync.Mutex
	lines   []string
	dropped int

	file   *os.File
	reader *bufio.Reader
	offset int64
	carry  []byte
}

// NewAuthLogTail creates a tailer for path. Run must be started before
// TakeLines yields anything.
func NewAuthLogTail(path string) *AuthLogTail {
	return &AuthLogTail{path: path}
}

// TakeLines returns all buffered lines and clears the buffer.
func (t *AuthLogTail) TakeLines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dropped > 0 {
		log.Warn().Int("dropped", t.dropped).Str("path", t.path).
			Msg("Auth log lines dropped before analysis")
		t.dropped = 0
	}
	out := t.lines
	t.lines = nil
	return out
}

func (t *AuthLogTail) push(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.lines) >= maxBufferedLines {
		t.lines = t.lines[1:]
		t.dropped++
	}
	t.lines = append(t.lines, line)
}

// Run tails the file until ctx is cancelled. New data is picked up via
// fsnotify write events when available, with a periodic poll as a fallback
// for filesystems that do not emit them.
func (t *AuthLogTail) Run(ctx context.Context) error {
	if err := t.open(true); err != nil {
		// The file may appear later (fresh install, rotated away). Keep
		// polling for it instead of failing the whole agent.
		log.Warn().Err(err).Str("path", t.path).Msg("Auth log not readable yet, waiting")
	}
	defer t.closeFile()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(t.path); err != nil {
		log.Debug().Err(err).Str("path", t.path).Msg("Watch failed, relying on polling")
	}

	poll := time.NewTicker(time.Second)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) != 0 {
				t.closeFile()
				// Re-arm the watch once the rotated file reappears.
				_ = watcher.Add(t.path)
				continue
			}
			t.drain()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Debug().Err(err).Msg("Auth log watcher error")
		case <-poll.C:
			t.drain()
		}
	}
}

// drain reads everything currently available, reopening after rotation or
// truncation.
func (t *AuthLogTail) drain() {
	if t.file == nil {
		if err := t.open(false); err != nil {
			return
		}
	}

	if st, err := os.Stat(t.path); err != nil {
		t.closeFile()
		return
	} else if st.Size() < t.offset {
		// Truncated or replaced by a smaller file: start over.
		t.closeFile()
		if err := t.open(false); err != nil {
			return
		}
	} else if cur, err := t.file.Stat(); err == nil && !os.SameFile(st, cur) {
		t.closeFile()
		if err := t.open(false); err != nil {
			return
		}
	}

	for {
		chunk, err := t.reader.ReadBytes('\n')
		t.offset += int64(len(chunk))
		if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
			line := string(append(t.carry, chunk[:len(chunk)-1]...))
			t.carry = nil
			if line != "" {
				t.push(line)
			}
		} else if len(chunk) > 0 {
			// Partial line, keep it until the writer finishes it.
			t.carry = append(t.carry, chunk...)
		}
		if err != nil {
			if err != io.EOF {
				log.Debug().Err(err).Str("path", t.path).Msg("Auth log read error")
				t.closeFile()
			}
			return
		}
	}
}

// open opens the log. When seekEnd is set, tailing starts at the current end
// so historical entries do not replay into fresh incidents on agent start.
func (t *AuthLogTail) open(seekEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	var off int64
	if seekEnd {
		if off, err = f.Seek(0, io.SeekEnd); err != nil {
			f.Close()
			return err
		}
	}
	t.file = f
	t.reader = bufio.NewReader(f)
	t.offset = off
	t.carry = nil
	return nil
}

func (t *AuthLogTail) closeFile() {
	if t.file != nil {
		t.file.Close()
		t.file = nil
		t.reader = nil
		t.offset = 0
	}
}
