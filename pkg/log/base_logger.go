package log

import (
	"fmt"
	"sync"
	"time"
)

// baseLogger implements the Logger interface.
type baseLogger struct {
	mu        sync.Mutex
	level     Level
	fields    map[string]interface{}
	formatter Formatter
	outputs   []Output
}

func (l *baseLogger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *baseLogger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *baseLogger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *baseLogger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

func (l *baseLogger) Debugf(format string, args ...interface{}) {
	l.log(DebugLevel, fmt.Sprintf(format, args...), nil)
}

func (l *baseLogger) Infof(format string, args ...interface{}) {
	l.log(InfoLevel, fmt.Sprintf(format, args...), nil)
}

func (l *baseLogger) Warnf(format string, args ...interface{}) {
	l.log(WarnLevel, fmt.Sprintf(format, args...), nil)
}

func (l *baseLogger) Errorf(format string, args ...interface{}) {
	l.log(ErrorLevel, fmt.Sprintf(format, args...), nil)
}

// With returns a child logger carrying the given fields on every entry.
func (l *baseLogger) With(fields ...Field) Logger {
	child := l.clone()
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return child
}

// WithComponent tags logs with a component name.
func (l *baseLogger) WithComponent(component string) Logger {
	return l.With(Component(component))
}

// SetLevel sets the minimum log level.
func (l *baseLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current minimum log level.
func (l *baseLogger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *baseLogger) clone() *baseLogger {
	l.mu.Lock()
	defer l.mu.Unlock()

	fields := make(map[string]interface{}, len(l.fields))
	for k, v := range l.fields {
		fields[k] = v
	}

	return &baseLogger{
		level:     l.level,
		fields:    fields,
		formatter: l.formatter,
		outputs:   l.outputs,
	}
}

func (l *baseLogger) log(level Level, msg string, fields []Field) {
	l.mu.Lock()
	if level < l.level {
		l.mu.Unlock()
		return
	}

	entryFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		entryFields[k] = v
	}
	for _, f := range fields {
		entryFields[f.Key] = f.Value
	}

	formatter := l.formatter
	outputs := l.outputs
	l.mu.Unlock()

	entry := &Entry{
		Level:     level,
		Message:   msg,
		Fields:    entryFields,
		Timestamp: time.Now(),
	}

	formatted, err := formatter.Format(entry)
	if err != nil {
		return
	}

	for _, output := range outputs {
		_ = output.Write(entry, formatted)
	}
}
