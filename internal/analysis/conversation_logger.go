package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"
)

// ConversationLogConfig controls the NDJSON conversation log.
type ConversationLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// ConversationLogEvent is one line of a per-session conversation log.
type ConversationLogEvent struct {
	Timestamp  string         `json:"ts"`
	User       string         `json:"user"`
	SessionID  string         `json:"session_id"`
	Channel    string         `json:"channel"`
	Role       string         `json:"role"`
	EventType  string         `json:"event_type"`
	ContentRaw string         `json:"content_raw"`
	Content    string         `json:"content"`
	Meta       map[string]any `json:"meta,omitempty"`

	endSession bool
}

// ConversationLogger records chat turns. Log never blocks the caller.
// CloseSession releases the files of a session that signed out or expired;
// a later event for the same session reopens them in append mode.
type ConversationLogger interface {
	Log(event ConversationLogEvent)
	CloseSession(sessionID string)
	Close() error
}

type noopConversationLogger struct{}

func (noopConversationLogger) Log(ConversationLogEvent) {}
func (noopConversationLogger) CloseSession(string)      {}
func (noopConversationLogger) Close() error             { return nil }

// NopConversationLogger returns a logger that discards every event.
func NopConversationLogger() ConversationLogger {
	return noopConversationLogger{}
}

type fileConversationLogger struct {
	dir    string
	queue  chan ConversationLogEvent
	logger *slog.Logger

	// files is written only by run; filesMu lets openFiles read it.
	filesMu sync.Mutex
	files   map[string]map[string]*os.File // session id -> path -> file

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewConversationLogger starts an asynchronous writer that appends events to
// <dir>/<user>/<session>.ndjson. A disabled config returns a no-op logger.
func NewConversationLogger(cfg ConversationLogConfig, logger *slog.Logger) (ConversationLogger, error) {
	if !cfg.Enabled {
		return noopConversationLogger{}, nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create conversation log dir: %w", err)
	}

	l := &fileConversationLogger{
		dir:    cfg.Dir,
		queue:  make(chan ConversationLogEvent, cfg.QueueSize),
		logger: logger,
		files:  make(map[string]map[string]*os.File),
		done:   make(chan struct{}),
	}
	go l.run()
	return l, nil
}

func (l *fileConversationLogger) Log(event ConversationLogEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return
	}

	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if event.Content == "" {
		event.Content = cleanForReadability(event.ContentRaw)
	}

	select {
	case l.queue <- event:
	default:
		l.logger.Warn("Conversation log queue full, dropping event",
			"user", event.User,
			"session_id", event.SessionID,
			"event_type", event.EventType)
	}
}

// CloseSession queues the release of sessionID's files behind any events
// already queued for it. Unlike Log it waits for queue space.
func (l *fileConversationLogger) CloseSession(sessionID string) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || sessionID == "" {
		return
	}
	l.queue <- ConversationLogEvent{SessionID: sessionID, endSession: true}
}

func (l *fileConversationLogger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	<-l.done

	var firstErr error
	for sessionID := range l.files {
		if err := l.closeSessionFiles(sessionID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (l *fileConversationLogger) run() {
	defer close(l.done)
	for event := range l.queue {
		if event.endSession {
			if err := l.closeSessionFiles(event.SessionID); err != nil {
				l.logger.Warn("Failed to close conversation log", "error", err, "session_id", event.SessionID)
			}
			continue
		}
		if err := l.write(event); err != nil {
			l.logger.Warn("Failed to write conversation log", "error", err, "session_id", event.SessionID)
		}
	}
}

func (l *fileConversationLogger) closeSessionFiles(sessionID string) error {
	l.filesMu.Lock()
	files := l.files[sessionID]
	delete(l.files, sessionID)
	l.filesMu.Unlock()

	var firstErr error
	for _, f := range files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openFiles reports how many log files are currently held open.
func (l *fileConversationLogger) openFiles() int {
	l.filesMu.Lock()
	defer l.filesMu.Unlock()
	n := 0
	for _, files := range l.files {
		n += len(files)
	}
	return n
}

func (l *fileConversationLogger) write(event ConversationLogEvent) error {
	path := filepath.Join(l.dir, sanitizePathSegment(event.User), sanitizePathSegment(event.SessionID)+".ndjson")
	f, ok := l.files[event.SessionID][path]
	if !ok {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return err
		}
		var err error
		f, err = os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return err
		}
		l.filesMu.Lock()
		if l.files[event.SessionID] == nil {
			l.files[event.SessionID] = make(map[string]*os.File)
		}
		l.files[event.SessionID][path] = f
		l.filesMu.Unlock()
	}

	line, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._@-]`)

// sanitizePathSegment maps s to a safe file name. A name that had to be
// rewritten gets a short hash of the original so distinct users and
// sessions never share a file.
func sanitizePathSegment(s string) string {
	clean := strings.Trim(unsafePathChars.ReplaceAllString(s, "_"), ".")
	if clean == s && s != "" {
		return s
	}
	if clean == "" {
		clean = "unknown"
	}
	sum := sha256.Sum256([]byte(s))
	return clean + "-" + hex.EncodeToString(sum[:4])
}

// cleanForReadability strips control characters and collapses runs of
// blanks within each line so the log reads as plain text.
func cleanForReadability(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
