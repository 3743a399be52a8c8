package analysis

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestConversationLoggerWritesPerSessionNDJSON(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{
		Enabled:   true,
		Dir:       dir,
		QueueSize: 16,
	}, slog.Default())
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = logger.Close() }()

	logger.Log(ConversationLogEvent{
		User:       "a@b.com",
		SessionID:  "sess-1",
		Channel:    "chat_http",
		Role:       "user",
		EventType:  "chat_user_message",
		ContentRaw: "is it   contagious?",
	})

	path := filepath.Join(dir, "a@b.com", "sess-1.ndjson")
	line := waitForLogLine(t, path)
	var got ConversationLogEvent
	if err := json.Unmarshal([]byte(line), &got); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	if got.ContentRaw != "is it   contagious?" {
		t.Fatalf("unexpected ContentRaw: %q", got.ContentRaw)
	}
	if got.Content != "is it contagious?" {
		t.Fatalf("unexpected Content: %q", got.Content)
	}
	if got.Timestamp == "" {
		t.Fatal("expected timestamp to be populated")
	}
}

func TestConversationLoggerSanitizesPath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 4}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Log(ConversationLogEvent{User: "../evil", SessionID: "s/1", ContentRaw: "x"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "*", "*.ndjson"))
	if err != nil {
		t.Fatalf("Glob failed: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected one log file inside %s, got %v", dir, matches)
	}
	rel, _ := filepath.Rel(dir, matches[0])
	if !strings.HasPrefix(rel, "_evil-") || !strings.Contains(rel, "s_1-") {
		t.Fatalf("unexpected sanitized log path %q", rel)
	}
}

func TestSanitizePathSegmentKeepsUsersApart(t *testing.T) {
	t.Parallel()

	if got := sanitizePathSegment("a_b@x.com"); got != "a_b@x.com" {
		t.Fatalf("safe name should be kept as is, got %q", got)
	}
	if sanitizePathSegment("a+b@x.com") == sanitizePathSegment("a_b@x.com") {
		t.Fatal("distinct emails mapped to the same log directory")
	}
	if sanitizePathSegment("a+b@x.com") != sanitizePathSegment("a+b@x.com") {
		t.Fatal("sanitizing must be deterministic")
	}
	if got := sanitizePathSegment(""); !strings.HasPrefix(got, "unknown-") {
		t.Fatalf("expected unknown placeholder, got %q", got)
	}
}

func TestConversationLoggerReleasesClosedSessions(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cl, err := NewConversationLogger(ConversationLogConfig{Enabled: true, Dir: dir, QueueSize: 512}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	defer func() { _ = cl.Close() }()
	logger := cl.(*fileConversationLogger)

	const sessions = 200
	for i := 0; i < sessions; i++ {
		logger.Log(ConversationLogEvent{User: "a@b.com", SessionID: fmt.Sprintf("sess-%d", i), ContentRaw: "hi"})
	}
	waitFor(t, func() bool { return logger.openFiles() == sessions })

	for i := 0; i < sessions; i++ {
		logger.CloseSession(fmt.Sprintf("sess-%d", i))
	}
	waitFor(t, func() bool { return logger.openFiles() == 0 })

	// A closed session can log again; the file is appended to.
	logger.Log(ConversationLogEvent{User: "a@b.com", SessionID: "sess-0", ContentRaw: "again"})
	line := waitForLogLine(t, filepath.Join(dir, "a@b.com", "sess-0.ndjson"))
	if !strings.Contains(line, "again") {
		t.Fatalf("expected appended line, got %q", line)
	}
}

func TestDisabledConversationLoggerIsNoop(t *testing.T) {
	t.Parallel()

	logger, err := NewConversationLogger(ConversationLogConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewConversationLogger failed: %v", err)
	}
	logger.Log(ConversationLogEvent{User: "u"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestCleanForReadabilityStripsControlCharacters(t *testing.T) {
	t.Parallel()

	raw := "  is it\x00 serious?\x07\r\nsince   monday "
	if got := cleanForReadability(raw); got != "is it serious?\nsince monday" {
		t.Fatalf("unexpected cleaned text: %q", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func waitForLogLine(t *testing.T, path string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil && len(data) > 0 {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) > 0 {
				return lines[len(lines)-1]
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for log file %s", path)
	return ""
}
