package log

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// JSONFormatter formats log entries as JSON.
type JSONFormatter struct {
	TimestampFormat string
}

// Format formats the entry as JSON.
func (f *JSONFormatter) Format(entry *Entry) ([]byte, error) {
	timestampFormat := time.RFC3339
	if f.TimestampFormat != "" {
		timestampFormat = f.TimestampFormat
	}

	data := make(map[string]interface{}, len(entry.Fields)+3)
	data["timestamp"] = entry.Timestamp.Format(timestampFormat)
	data["level"] = entry.Level.String()
	data["message"] = entry.Message

	for k, v := range entry.Fields {
		// Don't overwrite standard fields
		if k != "timestamp" && k != "level" && k != "message" {
			data[k] = v
		}
	}

	out, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}

// TextFormatter formats log entries as human-readable text.
type TextFormatter struct {
	TimestampFormat  string
	DisableTimestamp bool
}

// NewTextFormatter creates a TextFormatter with default settings.
func NewTextFormatter() *TextFormatter {
	return &TextFormatter{}
}

// Format formats the entry as text.
func (f *TextFormatter) Format(entry *Entry) ([]byte, error) {
	timestampFormat := "2006-01-02T15:04:05.000"
	if f.TimestampFormat != "" {
		timestampFormat = f.TimestampFormat
	}

	var b strings.Builder

	if !f.DisableTimestamp {
		b.WriteString(entry.Timestamp.Format(timestampFormat))
		b.WriteByte(' ')
	}

	fmt.Fprintf(&b, "%-5s", entry.Level.String())

	if component, ok := entry.Fields[ComponentKey]; ok {
		fmt.Fprintf(&b, " [%v]", component)
	}

	b.WriteByte(' ')
	b.WriteString(entry.Message)

	// Deterministic field ordering to keep output scannable
	keys := make([]string, 0, len(entry.Fields))
	for k := range entry.Fields {
		if k != ComponentKey {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, entry.Fields[k])
	}

	b.WriteByte('\n')
	return []byte(b.String()), nil
}
