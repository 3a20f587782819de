package logutil

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/YTianZHU/unilm/envconfig"
)

const LevelTrace slog.Level = slog.LevelDebug - 4

// NewLogger returns a text logger that trims source file paths to their
// basename and renames the custom trace level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:     level,
		AddSource: true,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				if attr.Value.Any().(slog.Level) == LevelTrace {
					attr.Value = slog.StringValue("TRACE")
				}
			case slog.SourceKey:
				source := attr.Value.Any().(*slog.Source)
				source.File = filepath.Base(source.File)
			}
			return attr
		},
	}))
}

// InitLogging installs the default logger for a training run. Every worker
// logs to stderr; the rank is attached so interleaved multi-worker output
// stays attributable.
func InitLogging(rank int) {
	level := slog.LevelInfo
	if envconfig.Debug {
		level = slog.LevelDebug
	}

	logger := NewLogger(os.Stderr, level).With("rank", rank)
	slog.SetDefault(logger)
}
