package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// ModelLogger receives advisory telemetry from the council.
// Implementations must not block or panic into the caller; wrap slow ones in AsyncLogger.
type ModelLogger interface {
	LogModelStart(model string, stage int)
	LogModelFinish(model string, stage int, duration time.Duration, success bool, kind ErrorKind)
	LogStageEvent(kind EventKind, payload any)
}

// NopLogger discards everything
type NopLogger struct{}

func (NopLogger) LogModelStart(string, int) {}

func (NopLogger) LogModelFinish(string, int, time.Duration, bool, ErrorKind) {}

func (NopLogger) LogStageEvent(EventKind, any) {}

// StdLogger writes one line per record through the standard logger
type StdLogger struct{}

func (StdLogger) LogModelStart(model string, stage int) {
	log.Printf("Stage %d: querying %s", stage, model)
}

func (StdLogger) LogModelFinish(model string, stage int, duration time.Duration, success bool, kind ErrorKind) {
	if success {
		log.Printf("Stage %d: %s finished in %s", stage, model, duration.Round(time.Millisecond))
		return
	}
	log.Printf("Stage %d: %s failed after %s: %s", stage, model, duration.Round(time.Millisecond), kind)
}

func (StdLogger) LogStageEvent(kind EventKind, payload any) {
	switch kind {
	case EventStage1Complete, EventStage2Complete, EventStage3Complete, EventStage2Skipped, EventError, EventCancelled:
		log.Printf("Council event %s", kind)
	}
}

// Logging levels accepted by FileLogger
const (
	LogLevelAll        = "all"
	LogLevelErrorsOnly = "errors_only"
	LogLevelDebug      = "debug"
)

// sensitiveKeys are redacted from logged payloads
var sensitiveKeys = []string{
	"api_key", "apikey", "api-key", "secret", "token", "credential",
	"auth", "authorization", "bearer", "password", "passwd", "private_key", "signature",
}

// maxRecentErrors bounds the in-memory error buffer
const maxRecentErrors = 100

// cleanupInterval is the minimum time between retention sweeps
const cleanupInterval = time.Hour

// ErrInvalidLogFile is returned for names that are not council log files
var ErrInvalidLogFile = errors.New("invalid log file name")

var logFilePattern = regexp.MustCompile(`^(all|errors|debug)_council_(\d{4}-\d{2}-\d{2})\.log$`)

// LogFileInfo describes a log file on disk
type LogFileInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// FileLogger appends JSON lines to a dated log file.
// Files older than Retention are swept at most once an hour; zero keeps them forever.
type FileLogger struct {
	Retention time.Duration

	mu          sync.Mutex
	dir         string
	level       string
	now         func() time.Time
	lastCleanup time.Time
	recent      []map[string]any
}

// NewFileLogger creates the log directory and returns a logger writing into it
func NewFileLogger(dir, level string) (*FileLogger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	if level == "" {
		level = LogLevelAll
	}
	return &FileLogger{dir: dir, level: level, now: time.Now}, nil
}

// Path returns the file records for the current day are written to
func (l *FileLogger) Path() string {
	prefix := map[string]string{LogLevelErrorsOnly: "errors", LogLevelDebug: "debug"}[l.level]
	if prefix == "" {
		prefix = "all"
	}
	return filepath.Join(l.dir, fmt.Sprintf("%s_council_%s.log", prefix, l.now().Format("2006-01-02")))
}

func (l *FileLogger) LogModelStart(model string, stage int) {
	l.write("DEBUG", "model_start", map[string]any{"model": model, "stage": stage})
}

func (l *FileLogger) LogModelFinish(model string, stage int, duration time.Duration, success bool, kind ErrorKind) {
	level := "INFO"
	record := map[string]any{
		"model":       model,
		"stage":       stage,
		"duration_ms": duration.Milliseconds(),
		"success":     success,
	}
	if !success {
		level = "ERROR"
		record["error_kind"] = kind
	}
	l.write(level, "model_finish", record)
}

func (l *FileLogger) LogStageEvent(kind EventKind, payload any) {
	level := "INFO"
	if kind == EventError {
		level = "ERROR"
	}
	if kind == EventModelResult || kind == EventRankingResult {
		level = "DEBUG"
	}
	l.write(level, string(kind), payload)
}

func (l *FileLogger) enabled(level string) bool {
	switch l.level {
	case LogLevelErrorsOnly:
		return level == "ERROR"
	case LogLevelDebug:
		return true
	default:
		return level != "DEBUG"
	}
}

// LogClient records an event reported by the frontend
func (l *FileLogger) LogClient(level, message string, data any) {
	level = strings.ToUpper(strings.TrimSpace(level))
	switch level {
	case "DEBUG", "INFO", "WARNING", "ERROR":
	case "WARN":
		level = "WARNING"
	default:
		level = "INFO"
	}
	l.write(level, "client_"+strings.ToLower(level), map[string]any{"message": message, "data": data})
}

func (l *FileLogger) write(level, event string, payload any) {
	entry := map[string]any{
		"timestamp": l.now().Format(time.RFC3339),
		"level":     level,
		"event":     event,
	}
	if payload != nil {
		entry["data"] = sanitizePayload(payload)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if level == "ERROR" {
		l.recent = append([]map[string]any{entry}, l.recent...)
		if len(l.recent) > maxRecentErrors {
			l.recent = l.recent[:maxRecentErrors]
		}
	}
	if !l.enabled(level) {
		return
	}

	if l.Retention > 0 && l.now().Sub(l.lastCleanup) >= cleanupInterval {
		if _, err := l.cleanup(l.Retention); err != nil {
			log.Printf("Failed to clean up old logs: %v", err)
		}
	}

	line, err := json.Marshal(entry)
	if err != nil {
		log.Printf("Failed to marshal log entry: %v", err)
		return
	}

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
		return
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		log.Printf("Failed to write log: %v", err)
	}
}

// RecentErrors returns up to limit buffered error records, newest first
func (l *FileLogger) RecentErrors(limit int) []map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()

	if limit <= 0 || limit > len(l.recent) {
		limit = len(l.recent)
	}
	out := make([]map[string]any, limit)
	copy(out, l.recent)
	return out
}

// LogFiles lists council log files, most recently modified first
func (l *FileLogger) LogFiles() ([]LogFileInfo, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	files := []LogFileInfo{}
	for _, entry := range entries {
		if entry.IsDir() || !logFilePattern.MatchString(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{Name: entry.Name(), Size: info.Size(), Modified: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Modified.After(files[j].Modified)
	})
	return files, nil
}

// ReadLogFile returns the last n lines of a log file in the log directory
func (l *FileLogger) ReadLogFile(name string, n int) (string, error) {
	if strings.Contains(name, "..") || filepath.Base(name) != name || !logFilePattern.MatchString(name) {
		return "", ErrInvalidLogFile
	}
	if n <= 0 {
		n = 100
	}

	f, err := os.Open(filepath.Join(l.dir, name))
	if err != nil {
		return "", err
	}
	defer f.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			lines = lines[1:]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read log file: %w", err)
	}

	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// CleanupOldLogs deletes log files dated more than retention ago and returns how many were removed
func (l *FileLogger) CleanupOldLogs(retention time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cleanup(retention)
}

func (l *FileLogger) cleanup(retention time.Duration) (int, error) {
	l.lastCleanup = l.now()

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read log directory: %w", err)
	}

	cutoff := l.now().Add(-retention)
	removed := 0
	for _, entry := range entries {
		match := logFilePattern.FindStringSubmatch(entry.Name())
		if entry.IsDir() || match == nil {
			continue
		}
		day, err := time.ParseInLocation("2006-01-02", match[2], l.now().Location())
		if err != nil || !day.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(l.dir, entry.Name())); err != nil {
			log.Printf("Failed to remove old log %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// sanitizePayload round-trips payload through JSON and redacts sensitive keys
func sanitizePayload(payload any) any {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("%v", payload)
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return string(data)
	}
	return redact(generic)
}

func redact(v any) any {
	switch value := v.(type) {
	case map[string]any:
		for key, inner := range value {
			if isSensitiveKey(key) {
				value[key] = "[REDACTED]"
				continue
			}
			value[key] = redact(inner)
		}
		return value
	case []any:
		for i, inner := range value {
			value[i] = redact(inner)
		}
		return value
	}
	return v
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if lower == sensitive || strings.HasSuffix(lower, "_"+sensitive) {
			return true
		}
	}
	return false
}

// MultiLogger forwards every record to each logger in turn
type MultiLogger []ModelLogger

func (m MultiLogger) LogModelStart(model string, stage int) {
	for _, l := range m {
		l.LogModelStart(model, stage)
	}
}

func (m MultiLogger) LogModelFinish(model string, stage int, duration time.Duration, success bool, kind ErrorKind) {
	for _, l := range m {
		l.LogModelFinish(model, stage, duration, success, kind)
	}
}

func (m MultiLogger) LogStageEvent(kind EventKind, payload any) {
	for _, l := range m {
		l.LogStageEvent(kind, payload)
	}
}

// AsyncLogger hands records to a background goroutine.
// Records are dropped when the buffer is full, and panics in the wrapped logger are swallowed.
type AsyncLogger struct {
	next    ModelLogger
	records chan func(ModelLogger)
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

// NewAsyncLogger starts the background writer
func NewAsyncLogger(next ModelLogger, buffer int) *AsyncLogger {
	if buffer < 1 {
		buffer = 256
	}
	a := &AsyncLogger{
		next:    next,
		records: make(chan func(ModelLogger), buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncLogger) run() {
	defer close(a.done)
	for record := range a.records {
		a.apply(record)
	}
}

func (a *AsyncLogger) apply(record func(ModelLogger)) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("Logger panicked: %v", r)
		}
	}()
	record(a.next)
}

func (a *AsyncLogger) send(record func(ModelLogger)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.records <- record:
	default:
	}
}

// Close flushes pending records and stops the writer
func (a *AsyncLogger) Close() {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.records)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *AsyncLogger) LogModelStart(model string, stage int) {
	a.send(func(l ModelLogger) { l.LogModelStart(model, stage) })
}

func (a *AsyncLogger) LogModelFinish(model string, stage int, duration time.Duration, success bool, kind ErrorKind) {
	a.send(func(l ModelLogger) { l.LogModelFinish(model, stage, duration, success, kind) })
}

func (a *AsyncLogger) LogStageEvent(kind EventKind, payload any) {
	a.send(func(l ModelLogger) { l.LogStageEvent(kind, payload) })
}
