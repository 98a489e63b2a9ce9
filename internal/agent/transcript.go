package agent

import (
	"io"
	"sync"
	"time"

	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"gopkg.in/natefinch/lumberjack.v2"
)

// TranscriptEntry is one line of the session transcript.
type TranscriptEntry struct {
	Time    time.Time `json:"ts"`
	Role    string    `json:"role"`
	Content string    `json:"content"`
}

// Transcript appends operator, assistant and system lines to a rotated
// JSON-lines file.
type Transcript struct {
	logger *zap.Logger
	mu     sync.Mutex
	w      io.WriteCloser
	now    func() time.Time
}

// NewTranscript opens a rotating transcript at path. An empty path disables
// the transcript.
func NewTranscript(logger *zap.Logger, path string) *Transcript {
	t := &Transcript{logger: logger.Named("transcript"), now: time.Now}
	if path != "" {
		t.w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    20, // megabytes
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
	}
	return t
}

// newTranscriptWriter wraps an arbitrary writer, for tests.
func newTranscriptWriter(logger *zap.Logger, w io.WriteCloser) *Transcript {
	return &Transcript{logger: logger.Named("transcript"), w: w, now: time.Now}
}

// Log appends one entry. Write failures are logged and swallowed.
func (t *Transcript) Log(role, content string) {
	if t == nil || t.w == nil {
		return
	}
	line, err := json.Marshal(TranscriptEntry{Time: t.now().UTC(), Role: role, Content: content})
	if err != nil {
		return
	}
	line = append(line, '\n')

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := t.w.Write(line); err != nil {
		t.logger.Warn("Failed to append transcript entry.", zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (t *Transcript) Close() error {
	if t == nil || t.w == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.w.Close()
}
