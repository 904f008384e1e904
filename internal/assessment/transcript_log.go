package assessment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// TranscriptEntry is one NDJSON line of a transcript log.
type TranscriptEntry struct {
	Timestamp  string `json:"ts"`
	SessionID  string `json:"session_id"`
	SubjectID  string `json:"subject_id"`
	OperatorID string `json:"operator_id,omitempty"`
	MessageID  int64  `json:"message_id"`
	Origin     Origin `json:"origin"`
	Content    string `json:"content"`
	Phase      Phase  `json:"phase"`
}

// TranscriptLogger records completed transcript messages. Log must not block.
type TranscriptLogger interface {
	Log(entry TranscriptEntry)
	Close() error
}

// TranscriptLogConfig configures NewTranscriptLogger.
type TranscriptLogConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

type noopTranscriptLogger struct{}

func (noopTranscriptLogger) Log(TranscriptEntry) {}
func (noopTranscriptLogger) Close() error        { return nil }

// NoopTranscriptLogger returns a logger that discards everything.
func NoopTranscriptLogger() TranscriptLogger { return noopTranscriptLogger{} }

var unsafePathChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// NewTranscriptLogger writes entries to <Dir>/<subject_id>/<session_id>.ndjson
// from a background goroutine. When the queue is full the oldest entry is
// dropped.
func NewTranscriptLogger(cfg TranscriptLogConfig, logger *slog.Logger) (TranscriptLogger, error) {
	if !cfg.Enabled {
		return NoopTranscriptLogger(), nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("transcript log dir is empty")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create transcript log dir: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &fileTranscriptLogger{
		dir:    cfg.Dir,
		queue:  make(chan TranscriptEntry, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}
	l.wg.Add(1)
	go l.run()
	return l, nil
}

type fileTranscriptLogger struct {
	dir    string
	queue  chan TranscriptEntry
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
	once   sync.Once
}

func (l *fileTranscriptLogger) Log(entry TranscriptEntry) {
	if l.ctx.Err() != nil {
		return
	}
	select {
	case l.queue <- entry:
		return
	default:
	}

	l.logger.Warn("Transcript log queue full, dropping oldest entry", "queue_len", len(l.queue))
	select {
	case <-l.queue:
	default:
	}
	select {
	case l.queue <- entry:
	default:
		l.logger.Warn("Transcript log entry dropped", "session_id", entry.SessionID)
	}
}

func (l *fileTranscriptLogger) run() {
	defer l.wg.Done()
	for {
		select {
		case entry := <-l.queue:
			l.write(entry)
		case <-l.ctx.Done():
			for {
				select {
				case entry := <-l.queue:
					l.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (l *fileTranscriptLogger) write(entry TranscriptEntry) {
	dir := filepath.Join(l.dir, safePathName(entry.SubjectID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.logger.Warn("Failed to create transcript dir", "dir", dir, "error", err)
		return
	}

	line, err := json.Marshal(entry)
	if err != nil {
		l.logger.Warn("Failed to encode transcript entry", "error", err)
		return
	}
	line = append(line, '\n')

	path := filepath.Join(dir, safePathName(entry.SessionID)+".ndjson")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("Failed to open transcript log", "path", path, "error", err)
		return
	}
	if _, err := f.Write(line); err != nil {
		l.logger.Warn("Failed to write transcript log", "path", path, "error", err)
	}
	if err := f.Close(); err != nil {
		l.logger.Warn("Failed to close transcript log", "path", path, "error", err)
	}
}

// Close flushes queued entries and stops the writer.
func (l *fileTranscriptLogger) Close() error {
	l.once.Do(l.cancel)

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("transcript logger shutdown timed out with %d entries queued", len(l.queue))
	}
}

func safePathName(s string) string {
	s = unsafePathChars.ReplaceAllString(s, "_")
	switch s {
	case "", ".", "..":
		return "unknown"
	}
	return s
}
