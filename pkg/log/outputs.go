package log

import (
	"io"
	"os"
	"sync"
)

// ConsoleOutput writes log entries to the console.
type ConsoleOutput struct {
	mu          sync.Mutex
	writer      io.Writer
	errorWriter io.Writer
}

// ConsoleOutputOption configures a ConsoleOutput.
type ConsoleOutputOption func(*ConsoleOutput)

// WithWriter configures the ConsoleOutput to use a custom writer.
func WithWriter(w io.Writer) ConsoleOutputOption {
	return func(o *ConsoleOutput) {
		o.writer = w
	}
}

// NewConsoleOutput creates a new ConsoleOutput with the given options.
func NewConsoleOutput(options ...ConsoleOutputOption) *ConsoleOutput {
	o := &ConsoleOutput{
		writer:      os.Stdout,
		errorWriter: os.Stderr,
	}
	for _, option := range options {
		option(o)
	}
	return o
}

// Write writes the log entry to the console. Error entries go to stderr.
func (o *ConsoleOutput) Write(entry *Entry, formattedEntry []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	writer := o.writer
	if entry.Level == ErrorLevel {
		writer = o.errorWriter
	}

	_, err := writer.Write(formattedEntry)
	return err
}

// Close implements the Output interface but does nothing for console output.
func (o *ConsoleOutput) Close() error {
	return nil
}

// MemoryOutput captures log entries in memory. It is intended for tests.
type MemoryOutput struct {
	mu      sync.Mutex
	entries []Entry
}

// NewMemoryOutput creates a new MemoryOutput.
func NewMemoryOutput() *MemoryOutput {
	return &MemoryOutput{}
}

// Write records the entry.
func (o *MemoryOutput) Write(entry *Entry, _ []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries = append(o.entries, *entry)
	return nil
}

// Close implements the Output interface.
func (o *MemoryOutput) Close() error {
	return nil
}

// Entries returns a copy of the captured entries.
func (o *MemoryOutput) Entries() []Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Entry, len(o.entries))
	copy(out, o.entries)
	return out
}

// NewTestLogger returns a debug-level logger writing to a MemoryOutput,
// along with the output for inspection.
func NewTestLogger() (Logger, *MemoryOutput) {
	out := NewMemoryOutput()
	logger := NewLogger(WithLevel(DebugLevel), WithOutput(out))
	return logger, out
}
