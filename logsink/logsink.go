// Package logsink is the per-session, per-channel append-only log writer:
// buffered in memory, flushed to disk at most every five seconds (or on an
// explicit Close), one file per channel under
// ./SessionLogs/YYYY.MM.DD/<identifier>/HH.MM.SS/<channel>.log.
package logsink

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const flushInterval = 5 * time.Second

// Sink is a single-writer, buffered log destination for one robot session.
type Sink struct {
	mu           sync.Mutex
	dir          string
	sessionStart time.Time
	lastFlush    time.Time
	channels     map[string][]string
	now          func() time.Time
}

// New creates a session log sink rooted at
// ./SessionLogs/<date>/<identifier>/<time>/, creating the directory
// immediately so a flush never has to deal with a missing parent.
func New(identifier string) *Sink {
	now := time.Now()
	dir := filepath.Join("SessionLogs", now.Format("2006.01.02"), identifier, now.Format("15.04.05"))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Error().Err(err).Str("dir", dir).Msg("logsink: failed to create session log directory")
	}

	return &Sink{
		dir:          dir,
		sessionStart: now,
		lastFlush:    now,
		channels:     make(map[string][]string),
		now:          time.Now,
	}
}

// Write appends a formatted line to the given channel's in-memory buffer.
// The timestamp is the elapsed time since session start, formatted
// "H:MM:SS.ffffff" to match the original logger's relative clock.
func (s *Sink) Write(channel, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elapsed := s.now().Sub(s.sessionStart)
	s.channels[channel] = append(s.channels[channel], fmt.Sprintf("%s: %s\n", formatElapsed(elapsed), message))
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	d -= time.Duration(hours) * time.Hour
	minutes := int64(d / time.Minute)
	d -= time.Duration(minutes) * time.Minute
	seconds := int64(d / time.Second)
	d -= time.Duration(seconds) * time.Second
	micros := int64(d / time.Microsecond)

	return fmt.Sprintf("%d:%02d:%02d.%06d", hours, minutes, seconds, micros)
}

// Update flushes if at least flushInterval has elapsed since the last flush.
func (s *Sink) Update() {
	s.mu.Lock()
	due := s.now().Sub(s.lastFlush) >= flushInterval
	s.mu.Unlock()

	if due {
		s.Flush()
	}
}

// Flush writes every channel's buffered lines to its log file and clears
// the buffers. I/O errors are logged and swallowed rather than propagated
// into the session tick.
func (s *Sink) Flush() {
	s.mu.Lock()
	snapshot := make(map[string][]string, len(s.channels))
	for ch, lines := range s.channels {
		if len(lines) == 0 {
			continue
		}
		snapshot[ch] = lines
		s.channels[ch] = nil
	}
	s.lastFlush = s.now()
	s.mu.Unlock()

	for channel, lines := range snapshot {
		if err := s.appendLines(channel, lines); err != nil {
			log.Error().Err(err).Str("channel", channel).Msg("logsink: flush failed")
		}
	}
}

func (s *Sink) appendLines(channel string, lines []string) error {
	path := filepath.Join(s.dir, channel+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, line := range lines {
		if _, err := w.WriteString(line); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Close performs a final flush.
func (s *Sink) Close() {
	s.Flush()
}
