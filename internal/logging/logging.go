package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	slogmulti "github.com/samber/slog-multi"
)

// Setup configures the global slog logger writing to w.
// If logOutputDir is non-empty, logs are also written as JSON to a file in
// that directory named after the archive of the run and the start time.
func Setup(w io.Writer, levelStr, logOutputDir, archive string) error {
	level := parseLogLevel(levelStr)

	consoleHandler := tint.NewHandler(w, &tint.Options{
		Level:   level,
		NoColor: !isTerminal(w),
	})

	if logOutputDir != "" {
		logDir := os.ExpandEnv(logOutputDir)

		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return fmt.Errorf("failed to create log output directory: %w", err)
		}

		logFilePath := filepath.Join(logDir, logFileName(archive, time.Now()))

		logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to create log file: %w", err)
		}

		fileHandler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: level}).
			WithAttrs([]slog.Attr{slog.String("archive", archive)})

		slog.SetDefault(slog.New(
			slogmulti.Fanout(consoleHandler, fileHandler),
		))

		fmt.Fprintf(w, "Logging to file: %s\n", logFilePath)
	} else {
		slog.SetDefault(slog.New(consoleHandler))
	}

	return nil
}

// logFileName is "zimrecreate_<archive name>_<timestamp>.log", the archive
// name being stripped of its directory and .zim extension.
func logFileName(archive string, t time.Time) string {
	name := strings.TrimSuffix(filepath.Base(archive), ".zim")
	if name == "" || name == "." || name == string(filepath.Separator) {
		return fmt.Sprintf("zimrecreate_%s.log", t.Format("20060102_150405"))
	}
	return fmt.Sprintf("zimrecreate_%s_%s.log", name, t.Format("20060102_150405"))
}

// isTerminal reports whether w is a terminal able to display colors
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// parseLogLevel converts a string log level to slog.Level
func parseLogLevel(levelStr string) slog.Level {
	switch levelStr {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
