// Package log provides logging routines based on the slog package.
package log

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/meridian-vpn/meridian/pkg/tunnel/engine"
)

// Init installs the default logger. Verbose enables debug-level output.
func Init(verbose bool) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})))
}

// EngineLogger returns a log callback that routes engine diagnostics into
// slog, tagged with the given source name.
func EngineLogger(source string) engine.LogFunc {
	return func(level engine.LogLevel, line string) {
		attrs := []any{slog.String("source", source)}
		switch level {
		case engine.LogLevelError:
			slog.Error(line, attrs...)
		default:
			slog.Debug(line, attrs...)
		}
	}
}

// LineWriter wraps a byte stream as structured log entries. Each complete
// line is emitted as a separate entry with the given source name. Useful
// for bridging subprocess or library output that writes free-form text.
type LineWriter struct {
	Source string
	Level  slog.Level
	buf    bytes.Buffer
}

// NewLineWriter creates a LineWriter for the given source.
func NewLineWriter(source string, level slog.Level) *LineWriter {
	return &LineWriter{Source: source, Level: level}
}

// Write implements io.Writer. It buffers input and logs complete lines.
func (w *LineWriter) Write(p []byte) (n int, err error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err == io.EOF {
			// Put back the incomplete line.
			w.buf.WriteString(line)
			break
		}
		if err != nil {
			return len(p), err
		}
		line = strings.TrimSuffix(line, "\n")
		line = strings.TrimSuffix(line, "\r")
		if line != "" {
			slog.Log(context.Background(), w.Level, line, slog.String("source", w.Source))
		}
	}
	return len(p), nil
}
