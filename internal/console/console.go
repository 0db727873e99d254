// Package console provides the leveled color logger used across gantry.
// A Logger is injected at construction time; there is no global state to
// reinitialize mid-run.
package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/fatih/color"
)

// Logger writes leveled, colored output to a single writer.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	verbose bool
}

// New creates a Logger writing to stdout.
func New(verbose bool) *Logger {
	return &Logger{out: os.Stdout, verbose: verbose}
}

// NewWithWriter creates a Logger writing to the given writer (for tests).
func NewWithWriter(w io.Writer, verbose bool) *Logger {
	return &Logger{out: w, verbose: verbose}
}

// Nop returns a logger that discards all output.
func Nop() *Logger {
	return &Logger{out: io.Discard}
}

func (l *Logger) print(prefix *color.Color, tag, msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if tag == "" {
		fmt.Fprintln(l.out, msg)
		return
	}
	fmt.Fprintf(l.out, "%s %s\n", prefix.Sprint(tag), msg)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.print(color.New(color.FgCyan), "[info]", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.print(color.New(color.FgYellow), "[warn]", fmt.Sprintf(format, args...))
}

// Error logs an error.
func (l *Logger) Error(format string, args ...interface{}) {
	l.print(color.New(color.FgRed), "[fail]", fmt.Sprintf(format, args...))
}

// Success logs a success message.
func (l *Logger) Success(format string, args ...interface{}) {
	l.print(color.New(color.FgGreen), "[ ok ]", fmt.Sprintf(format, args...))
}

// Debug logs a message only when verbose mode is enabled.
func (l *Logger) Debug(format string, args ...interface{}) {
	if !l.verbose {
		return
	}
	l.print(color.New(color.FgHiBlack), "[dbg ]", fmt.Sprintf(format, args...))
}

// Print writes a plain, unprefixed line.
func (l *Logger) Print(format string, args ...interface{}) {
	l.print(nil, "", fmt.Sprintf(format, args...))
}
