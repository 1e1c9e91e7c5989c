package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

const timestampFormat = "2006-01-02T15:04:05.000Z07:00"

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type Logger struct {
	level  *levelHolder
	logger *log.Logger
	format string
	fields map[string]interface{}
}

// levelHolder is shared by a logger and every child derived with WithFields,
// so SetLevel on the root affects component loggers too.
type levelHolder struct {
	mu    sync.RWMutex
	level LogLevel
}

func (h *levelHolder) get() LogLevel {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.level
}

func (h *levelHolder) set(level LogLevel) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

type Config struct {
	Level  LogLevel
	Output io.Writer
	Format string // "json" or "text" (default)
}

func New() *Logger {
	return NewWithConfig(Config{
		Level:  INFO,
		Output: os.Stdout,
		Format: "text",
	})
}

func NewWithConfig(config Config) *Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}

	format := strings.ToLower(config.Format)
	if format != "json" {
		format = "text"
	}

	return &Logger{
		level:  &levelHolder{level: config.Level},
		logger: log.New(config.Output, "", 0),
		format: format,
		fields: make(map[string]interface{}),
	}
}

// OpenOutput maps a configured output name to a writer. "stdout" and "stderr"
// (or empty) select the process streams, anything else is a file path opened
// for appending.
func OpenOutput(name string) (io.Writer, error) {
	switch strings.ToLower(name) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}

	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %s: %w", name, err)
	}
	return f, nil
}

func (l *Logger) WithFields(keyVals ...interface{}) *Logger {
	newLogger := &Logger{
		level:  l.level,
		logger: l.logger,
		format: l.format,
		fields: make(map[string]interface{}, len(l.fields)+len(keyVals)/2),
	}

	for k, v := range l.fields {
		newLogger.fields[k] = v
	}

	for i := 0; i+1 < len(keyVals); i += 2 {
		key := fmt.Sprintf("%v", keyVals[i])
		newLogger.fields[key] = keyVals[i+1]
	}

	return newLogger
}

// WithField returns a new logger with a single additional context field
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(key, value)
}

func (l *Logger) Debug(msg string, keyVals ...interface{}) {
	l.log(DEBUG, msg, keyVals...)
}

func (l *Logger) Info(msg string, kv ...interface{}) {
	l.log(INFO, msg, kv...)
}

func (l *Logger) Warn(msg string, kv ...interface{}) {
	l.log(WARN, msg, kv...)
}

func (l *Logger) Error(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
}

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
	os.Exit(1)
}

func (l *Logger) log(level LogLevel, msg string, kv ...interface{}) {
	if level < l.level.get() {
		return
	}

	timestamp := time.Now().Format(timestampFormat)

	allFields := make(map[string]interface{}, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		allFields[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		allFields[key] = kv[i+1]
	}

	if l.format == "json" {
		l.logger.Print(formatJSONLine(timestamp, level, msg, allFields))
		return
	}
	l.logger.Print(formatTextLine(timestamp, level, msg, allFields))
}

func formatTextLine(timestamp string, level LogLevel, msg string, fields map[string]interface{}) string {
	parts := []string{
		fmt.Sprintf("[%s]", timestamp),
		fmt.Sprintf("[%s]", level.String()),
		msg,
	}

	if len(fields) > 0 {
		fieldParts := make([]string, 0, len(fields))
		for _, key := range sortedKeys(fields) {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%s", key, formatValue(fields[key])))
		}
		parts = append(parts, "| "+strings.Join(fieldParts, " "))
	}

	return strings.Join(parts, " ")
}

func formatJSONLine(timestamp string, level LogLevel, msg string, fields map[string]interface{}) string {
	entry := make(map[string]interface{}, len(fields)+3)
	for k, v := range fields {
		switch val := v.(type) {
		case error:
			entry[k] = val.Error()
		case time.Duration:
			entry[k] = val.String()
		default:
			entry[k] = val
		}
	}
	entry["time"] = timestamp
	entry["level"] = level.String()
	entry["msg"] = msg

	data, err := json.Marshal(entry)
	if err != nil {
		return formatTextLine(timestamp, level, msg, fields)
	}
	return string(data)
}

func sortedKeys(fields map[string]interface{}) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, " ") {
			return fmt.Sprintf(`"%s"`, v)
		}
		return v
	case error:
		return fmt.Sprintf(`"%s"`, v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format("2006-01-02T15:04:05Z07:00")
	default:
		return fmt.Sprintf("%v", v)
	}
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.set(level)
}

func (l *Logger) GetLevel() LogLevel {
	return l.level.get()
}

func (l *Logger) IsDebugEnabled() bool {
	return l.level.get() <= DEBUG
}

// global logger instance for the convenience
var (
	globalMu     sync.RWMutex
	globalLogger = New()
)

// Global returns the process-wide logger.
func Global() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal replaces the process-wide logger, typically once at startup after
// the configuration has been loaded.
func SetGlobal(l *Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

func Debug(msg string, keyvals ...interface{}) {
	Global().Debug(msg, keyvals...)
}

func Info(msg string, keyvals ...interface{}) {
	Global().Info(msg, keyvals...)
}

func Warn(msg string, keyvals ...interface{}) {
	Global().Warn(msg, keyvals...)
}

func Error(msg string, keyvals ...interface{}) {
	Global().Error(msg, keyvals...)
}

func WithFields(keyvals ...interface{}) *Logger {
	return Global().WithFields(keyvals...)
}

func WithField(key string, value interface{}) *Logger {
	return Global().WithField(key, value)
}

func SetLevel(level LogLevel) {
	Global().SetLevel(level)
}

func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}
