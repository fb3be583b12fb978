// Package logutil configures the slog default logger and adds a trace level
// below debug for per token and per tensor output.
package logutil

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"
)

const LevelTrace slog.Level = -8

var levelNames = map[slog.Level]string{
	LevelTrace: "TRACE",
}

// NewLogger returns a text logger at level. Sources are reported as the
// file's directory and name, e.g. llava/model.go.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		AddSource:   true,
		ReplaceAttr: replaceAttr,
	}))
}

func replaceAttr(_ []string, attr slog.Attr) slog.Attr {
	switch attr.Key {
	case slog.LevelKey:
		if level, ok := attr.Value.Any().(slog.Level); ok {
			if name, ok := levelNames[level]; ok {
				attr.Value = slog.StringValue(name)
			}
		}
	case slog.SourceKey:
		if source, ok := attr.Value.Any().(*slog.Source); ok {
			source.File = filepath.Join(filepath.Base(filepath.Dir(source.File)), filepath.Base(source.File))
		}
	}
	return attr
}

// Enabled reports whether the default logger emits records at level.
func Enabled(level slog.Level) bool {
	return slog.Default().Enabled(context.Background(), level)
}

// Trace logs at LevelTrace, attributed to the caller.
func Trace(msg string, args ...any) {
	if Enabled(LevelTrace) {
		trace(msg, args)
	}
}

// TraceFunc is Trace with arguments that are only built when tracing is
// enabled, for values such as tensor dumps.
func TraceFunc(msg string, args func() []any) {
	if Enabled(LevelTrace) {
		trace(msg, args())
	}
}

func trace(msg string, args []any) {
	var pcs [1]uintptr
	// skip runtime.Callers, trace and the exported wrapper
	runtime.Callers(3, pcs[:])

	record := slog.NewRecord(time.Now(), LevelTrace, msg, pcs[0])
	record.Add(args...)
	_ = slog.Default().Handler().Handle(context.Background(), record)
}
