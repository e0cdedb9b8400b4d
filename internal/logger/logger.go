package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	c "github.com/life-stream-dev/life-stream-go-mqtt-broker/internal/config"
)

const (
	LevelFatal slog.Level = 12

	logRetention = 30 * 24 * time.Hour
)

// sink is the state shared by a handler and every handler derived from it.
type sink struct {
	ch          chan []byte
	stdout      io.Writer
	writer      io.Writer
	currentDay  int
	currentFile *os.File
	basePath    string
	wg          sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// AsyncHandler renders records on the caller goroutine and writes them from a single worker,
// mirrored to stdout and to a daily log file under basePath.
type AsyncHandler struct {
	sink     *sink
	attrs    []slog.Attr
	group    string
	logLevel slog.Level
}

// NewAsyncHandler starts the writer worker. An empty basePath disables the log file.
func NewAsyncHandler(basePath string, logLevel slog.Level, stdout io.Writer) *AsyncHandler {
	if stdout == nil {
		stdout = os.Stdout
	}
	s := &sink{
		ch:       make(chan []byte, 1024),
		stdout:   stdout,
		writer:   stdout,
		basePath: basePath,
	}
	if err := s.rotateIfNeeded(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "log file unavailable, writing to stdout only: %v\n", err)
	}
	s.wg.Add(1)
	go s.startWorker()
	return &AsyncHandler{sink: s, logLevel: logLevel}
}

func (s *sink) cleanOldLogs() {
	files, _ := filepath.Glob(filepath.Join(s.basePath, "*.log"))
	now := time.Now()

	for _, f := range files {
		fi, err := os.Stat(f)
		if err != nil {
			continue
		}
		if now.Sub(fi.ModTime()) > logRetention {
			_ = os.Remove(f)
		}
	}
}

// rotateIfNeeded opens the log file of the current day, closing the previous one.
func (s *sink) rotateIfNeeded() error {
	if s.basePath == "" {
		return nil
	}
	now := time.Now()
	currentDay := now.YearDay()

	if currentDay == s.currentDay && s.currentFile != nil {
		return nil
	}

	if s.currentFile != nil {
		if err := s.currentFile.Close(); err != nil {
			return fmt.Errorf("close log file: %w", err)
		}
		s.currentFile = nil
		s.writer = s.stdout
	}

	logPath := s.getLogPath(now)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create log file: %w", err)
	}

	s.currentFile = f
	s.currentDay = currentDay
	s.writer = io.MultiWriter(s.stdout, s.currentFile)
	s.cleanOldLogs()
	return nil
}

func (s *sink) getLogPath(now time.Time) string {
	return filepath.Join(s.basePath, now.Format("2006-01-02")+".log")
}

func (s *sink) startWorker() {
	defer s.wg.Done()
	for data := range s.ch {
		_ = s.rotateIfNeeded()
		_, _ = s.writer.Write(data)
	}
}

func (s *sink) write(p []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	s.ch <- p
}

func (s *sink) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.wg.Wait()
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
	}
}

func (h *AsyncHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.logLevel
}

func levelString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return color.MagentaString(level.String())
	case slog.LevelInfo:
		return color.BlueString(level.String())
	case slog.LevelWarn:
		return color.YellowString(level.String())
	case slog.LevelError:
		return color.RedString(level.String())
	case LevelFatal:
		return color.HiRedString("FATAL")
	}
	return level.String()
}

func (h *AsyncHandler) Handle(_ context.Context, r slog.Record) error {
	var line strings.Builder
	fmt.Fprintf(&line, "%s | %-5s | %s",
		color.GreenString(r.Time.Format("2006-01-02T15:04:05")),
		levelString(r.Level),
		color.CyanString(r.Message),
	)

	for _, attr := range h.attrs {
		line.WriteString(color.CyanString(" %s=%v", attr.Key, attr.Value))
	}

	r.Attrs(func(attr slog.Attr) bool {
		line.WriteString(color.CyanString(" %s=%v", h.qualify(attr.Key), attr.Value))
		return true
	})

	line.WriteByte('\n')
	h.sink.write([]byte(line.String()))
	return nil
}

func (h *AsyncHandler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func (h *AsyncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	newAttrs = append(newAttrs, h.attrs...)
	for _, attr := range attrs {
		attr.Key = h.qualify(attr.Key)
		newAttrs = append(newAttrs, attr)
	}

	return &AsyncHandler{
		sink:     h.sink,
		attrs:    newAttrs,
		group:    h.group,
		logLevel: h.logLevel,
	}
}

func (h *AsyncHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &AsyncHandler{
		sink:     h.sink,
		attrs:    h.attrs,
		group:    h.qualify(name),
		logLevel: h.logLevel,
	}
}

// Close flushes queued records and closes the log file. Records logged afterwards are dropped.
func (h *AsyncHandler) Close() error {
	h.sink.close()
	return nil
}

type ShutdownCallback struct {
	handler *AsyncHandler
}

func (lc *ShutdownCallback) Invoke(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = lc.handler.Close()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("logger shutdown: %w", ctx.Err())
	}
}

// Init builds the process logger from the configuration and installs it as the slog default.
func Init(config c.Config) (*slog.Logger, *ShutdownCallback) {
	level := slog.LevelInfo
	if config.DebugMode {
		level = slog.LevelDebug
	}
	handler := NewAsyncHandler(config.LogPath, level, os.Stdout)
	logger := slog.New(handler).With("app", config.AppName)
	slog.SetDefault(logger)
	logger.Debug("Logger initialized")
	return logger, &ShutdownCallback{handler: handler}
}

// Fatal logs at LevelFatal. It does not exit; callers decide how to stop.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), LevelFatal, msg, args...)
}

// Discard returns a logger that drops every record, for tests and optional collaborators.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: LevelFatal + 1}))
}
