// Package xlog is the Node's structured logger. It follows the same small
// surface go-ethereum's own log package exposes (Trace/Debug/Info/Warn/
// Error/Crit plus a contextual New), built directly on log/slog instead of
// vendoring a third-party logging facade, because the teacher does the
// same: its log package is self-hosted on top of slog, not a wrapper
// around logrus/zerolog/log15.
package xlog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

// Logger is a contextual logger: fields attached with New persist on every
// record emitted through it.
type Logger struct {
	inner *slog.Logger
}

var (
	root       *slog.Logger
	levelVar   = new(slog.LevelVar)
	useColor   = true
	warnColor  = color.New(color.FgYellow).SprintFunc()
	errColor   = color.New(color.FgRed, color.Bold).SprintFunc()
	critColor  = color.New(color.FgWhite, color.BgRed, color.Bold).SprintFunc()
	debugColor = color.New(color.FgCyan).SprintFunc()
)

func init() {
	SetOutput(colorable.NewColorableStdout())
	levelVar.Set(slog.LevelInfo)
}

// SetOutput replaces the root handler's output. Only loggers created by
// New after the call write to w; loggers created earlier, including every
// package-level logger created at init time, keep their previous output.
func SetOutput(w io.Writer) {
	root = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: levelVar,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}))
}

// SetLevel adjusts the minimum emitted level at runtime.
func SetLevel(l slog.Level) { levelVar.Set(l) }

// DisableColor makes colorize return level names uncolored. The colored
// tag that colorize builds is not passed to the handler (see log), so
// emitted records carry slog's own uncolored level either way.
func DisableColor() { useColor = false }

// New returns a Logger carrying a fixed set of contextual fields, mirroring
// log.New(ctx...) in the teacher's own logging package.
func New(args ...any) *Logger {
	return &Logger{inner: root.With(args...)}
}

func colorize(level string, f func(a ...interface{}) string) string {
	if !useColor {
		return level
	}
	return f(level)
}

func (l *Logger) log(level slog.Level, tag string, msg string, args ...any) {
	_ = tag
	l.inner.Log(context.Background(), level, msg, args...)
}

func (l *Logger) Trace(msg string, args ...any) { l.log(slog.LevelDebug-4, "TRACE", msg, args...) }
func (l *Logger) Debug(msg string, args ...any) {
	l.log(slog.LevelDebug, colorize("DEBUG", debugColor), msg, args...)
}
func (l *Logger) Info(msg string, args ...any) { l.log(slog.LevelInfo, "INFO", msg, args...) }
func (l *Logger) Warn(msg string, args ...any) {
	l.log(slog.LevelWarn, colorize("WARN", warnColor), msg, args...)
}
func (l *Logger) Error(msg string, args ...any) {
	l.log(slog.LevelError, colorize("ERROR", errColor), msg, args...)
}

// Crit logs at the highest severity. Unlike go-ethereum's Crit it does not
// os.Exit: the Node must keep serving other peers/components even when one
// subsystem hits a condition worth a loud log line.
func (l *Logger) Crit(msg string, args ...any) {
	l.log(slog.LevelError+4, colorize("CRIT", critColor), msg, args...)
}

// With returns a derived logger adding more contextual fields.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

var root0 = New()

func Trace(msg string, args ...any) { root0.Trace(msg, args...) }
func Debug(msg string, args ...any) { root0.Debug(msg, args...) }
func Info(msg string, args ...any)  { root0.Info(msg, args...) }
func Warn(msg string, args ...any)  { root0.Warn(msg, args...) }
func Error(msg string, args ...any) { root0.Error(msg, args...) }
func Crit(msg string, args ...any)  { root0.Crit(msg, args...) }

// Fatalf logs at Crit and exits; reserved for cmd/noded startup failures,
// never called from library code.
func Fatalf(format string, args ...any) {
	Crit(fmt.Sprintf(format, args...))
	os.Exit(1)
}
