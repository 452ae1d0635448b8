package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	case FATAL:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger provides structured logging with file output support
type Logger struct {
	level      Level
	jsonFormat bool
	output     io.Writer
	fields     []zap.Field
	zl         *zap.Logger
	logFile    *os.File
	component  string
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	l := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		output:     os.Stdout,
	}
	l.zl = zap.New(l.core())
	return l
}

// NewFileLogger creates a logger that writes to /var/log/kestrel/<component>/<subcomponent>.log
// and stdout. Falls back to ./logs/<component>/ if /var/log is not writable.
func NewFileLogger(component, subComponent string, level Level, jsonFormat bool) (*Logger, error) {
	l, err := NewPathLogger(GetLogPath(component, subComponent), level, jsonFormat)
	if err != nil {
		return nil, err
	}
	l.component = component + "/" + subComponent
	return l, nil
}

// NewPathLogger creates a logger that appends to path and mirrors to stdout
func NewPathLogger(path string, level Level, jsonFormat bool) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(path), err)
	}
	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	l := &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		output:     io.MultiWriter(logFile, os.Stdout),
		logFile:    logFile,
	}
	l.zl = zap.New(l.core())
	l.Debug("Logger initialized", map[string]interface{}{"path": path})
	return l, nil
}

func (l *Logger) core() zapcore.Core {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "message",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}
	var enc zapcore.Encoder
	if l.jsonFormat {
		enc = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
		enc = zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewCore(enc, zapcore.AddSync(l.output), l.level.zapLevel())
}

// SetOutput sets the output writer. Fields added with WithField are kept.
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
	l.zl = zap.New(l.core()).With(l.fields...)
}

// Zap exposes the underlying zap logger
func (l *Logger) Zap() *zap.Logger {
	return l.zl
}

func toZapFields(fields map[string]interface{}) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.zl.Debug(message, toZapFields(first(fields))...)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.zl.Info(message, toZapFields(first(fields))...)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.zl.Warn(message, toZapFields(first(fields))...)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.zl.Error(message, toZapFields(first(fields))...)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...map[string]interface{}) {
	l.zl.Fatal(message, toZapFields(first(fields))...)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	added := toZapFields(map[string]interface{}{key: value})
	fields := make([]zap.Field, 0, len(l.fields)+1)
	fields = append(fields, l.fields...)
	fields = append(fields, added...)
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		output:     l.output,
		fields:     fields,
		zl:         l.zl.With(added...),
		component:  l.component,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch level {
	case "DEBUG", "debug":
		return DEBUG
	case "INFO", "info":
		return INFO
	case "WARN", "warn", "WARNING", "warning":
		return WARN
	case "ERROR", "error":
		return ERROR
	case "FATAL", "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close flushes the logger and closes the log file if opened
func (l *Logger) Close() error {
	_ = l.zl.Sync()
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}

// isWritable checks if directory is writable
func isWritable(path string) bool {
	if err := os.MkdirAll(path, 0755); err != nil {
		return false
	}

	testFile := filepath.Join(path, ".write_test")
	f, err := os.Create(testFile)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(testFile)
	return true
}

// GetLogPath returns the expected log path for a component
func GetLogPath(component, subComponent string) string {
	baseDir := "/var/log/kestrel"
	if !isWritable(baseDir) {
		baseDir = "./logs"
	}

	logFileName := component + ".log"
	if subComponent != "" {
		logFileName = subComponent + ".log"
	}
	return filepath.Join(baseDir, component, logFileName)
}
