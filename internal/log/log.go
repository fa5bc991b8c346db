// Package log prints the status lines shown to the person running the CLI.
// Lines carry a timestamp and a level label; colours are applied only when
// the output is a terminal.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/muesli/termenv"
)

type Level int

const (
	LevelError   Level = iota // Failures the user has to act on.
	LevelWarning              // Recoverable problems.
	LevelInfo                 // Progress of the current command.
	LevelDebug                // Request-level detail, shown only when verbose.
)

const separatorWidth = 70

var labels = map[Level]string{
	LevelDebug:   "[D]",
	LevelInfo:    "[I]",
	LevelWarning: "[W]",
	LevelError:   "[E]",
}

var colors = map[Level]string{
	LevelDebug:   "8",
	LevelInfo:    "6",
	LevelWarning: "3",
	LevelError:   "1",
}

type Logger struct {
	mu      sync.Mutex
	w       io.Writer
	out     *termenv.Output
	verbose bool
	now     func() time.Time
}

func New(w io.Writer) *Logger {
	return &Logger{
		w:   w,
		out: termenv.NewOutput(w),
		now: time.Now,
	}
}

var std = New(os.Stdout)

// Default returns the logger writing to stdout.
func Default() *Logger { return std }

// SetOutput redirects subsequent lines to w.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.w = w
	l.out = termenv.NewOutput(w, termenv.WithProfile(l.out.Profile))
}

// Writer returns the writer lines are currently printed to.
func (l *Logger) Writer() io.Writer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w
}

func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

func (l *Logger) Verbose() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.verbose
}

func (l *Logger) log(level Level, bold bool, format string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level == LevelDebug && !l.verbose {
		return
	}

	label := l.out.String(labels[level]).Foreground(l.out.Color(colors[level]))
	msg := l.out.String(fmt.Sprintf(format, a...))
	if bold {
		msg = msg.Bold()
	}
	fmt.Fprintf(l.out, "[%s] %s %s\n", l.now().Format("15:04:05"), label, msg)
}

func (l *Logger) Debug(format string, a ...any) {
	l.log(LevelDebug, false, format, a...)
}

func (l *Logger) Info(format string, a ...any) {
	l.log(LevelInfo, false, format, a...)
}

// BInfo prints an info line in bold.
func (l *Logger) BInfo(format string, a ...any) {
	l.log(LevelInfo, true, format, a...)
}

func (l *Logger) Warn(format string, a ...any) {
	l.log(LevelWarning, false, format, a...)
}

func (l *Logger) Error(format string, a ...any) {
	l.log(LevelError, false, format, a...)
}

// Plain prints text as is, without timestamp or label.
func (l *Logger) Plain(format string, a ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, fmt.Sprintf(format, a...))
}

func (l *Logger) Separator() {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.out, l.out.String(strings.Repeat("-", separatorWidth)).Faint())
}
