package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/harrison/testsmith/internal/models"
)

// FileLogger writes one JSON line per event to a timestamped per-run log in
// the log directory and keeps a latest.log symlink pointing at it.
// It is thread-safe.
type FileLogger struct {
	logDir  string
	runFile string
	zl      *zap.Logger
}

// NewFileLogger creates a FileLogger in .testsmith/logs at info level.
func NewFileLogger() (*FileLogger, error) {
	return NewFileLoggerWithDirAndLevel(filepath.Join(".testsmith", "logs"), "info")
}

// NewFileLoggerWithDirAndLevel creates a FileLogger with a custom log
// directory and log level.
func NewFileLoggerWithDirAndLevel(logDir string, logLevel string) (*FileLogger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// run-YYYYMMDD-HHMMSS.log
	ts := time.Now().Format("20060102-150405")
	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", ts))

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel(normalizeLogLevel(logLevel)))
	config.OutputPaths = []string{runFile}
	config.ErrorOutputPaths = []string{"stderr"}
	config.Sampling = nil
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.DisableStacktrace = true

	zl, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			_ = zl.Sync()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		_ = zl.Sync()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	return &FileLogger{logDir: logDir, runFile: runFile, zl: zl}, nil
}

// zapLevel maps testsmith levels onto zap. zap has no trace level.
func zapLevel(level string) zapcore.Level {
	switch level {
	case "trace", "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Path returns the run log file path.
func (fl *FileLogger) Path() string {
	return fl.runFile
}

// Zap returns the underlying structured logger.
func (fl *FileLogger) Zap() *zap.Logger {
	return fl.zl
}

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) {
	fl.zl.Debug(message)
}

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) {
	fl.zl.Info(message)
}

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) {
	fl.zl.Warn(message)
}

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) {
	fl.zl.Error(message)
}

// LogRunStart records the run id and unit count.
func (fl *FileLogger) LogRunStart(runID string, total int) {
	fl.zl.Info("run started", zap.String("run_id", runID), zap.Int("units", total))
}

// LogUnitStart records that a unit is being processed.
func (fl *FileLogger) LogUnitStart(unit models.WorkUnit, index, total int) {
	fl.zl.Debug("unit started",
		zap.String("unit", unit.Identity),
		zap.String("prompt", unit.PromptPath),
		zap.Int("index", index),
		zap.Int("total", total))
}

// LogUnitResult records a unit outcome with its verdict counters.
func (fl *FileLogger) LogUnitResult(result models.UnitResult) error {
	fields := []zap.Field{
		zap.String("unit", result.Unit.Identity),
		zap.String("outcome", result.Outcome),
		zap.Int("attempts", result.Attempts),
		zap.Int("rounds", result.Rounds),
		zap.Duration("duration", result.Duration),
	}
	if result.Verdict != nil {
		fields = append(fields,
			zap.Int("passed", result.Verdict.PassedCount),
			zap.Int("failed", result.Verdict.FailedCount),
			zap.Int("exit_code", result.Verdict.ExitCode),
			zap.Bool("timed_out", result.Verdict.TimedOut),
			zap.String("staged", result.Verdict.StagedPath))
	}
	if result.Diagnostic != "" {
		fields = append(fields, zap.String("diagnostic", excerpt(result.Diagnostic, 2000)))
	}
	if result.Error != nil {
		fields = append(fields, zap.Error(result.Error))
	}

	if result.Succeeded() || result.Outcome == models.OutcomeSkipped {
		fl.zl.Info("unit finished", fields...)
	} else {
		fl.zl.Warn("unit finished", fields...)
	}
	return nil
}

// LogSummary records the run totals.
func (fl *FileLogger) LogSummary(summary *models.RunSummary) {
	if summary == nil {
		return
	}
	failed := make([]string, 0, len(summary.Failed))
	for _, r := range summary.Failed {
		failed = append(failed, r.Unit.Identity)
	}
	fl.zl.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.Int("total", summary.Total),
		zap.Int("validated", summary.SuccessCount),
		zap.Int("failed", summary.FailureCount),
		zap.Int("skipped", summary.Skipped),
		zap.Any("by_outcome", summary.ByOutcome),
		zap.Strings("failed_units", failed),
		zap.Duration("duration", summary.Duration))
}

// Close flushes the run log.
func (fl *FileLogger) Close() error {
	if err := fl.zl.Sync(); err != nil {
		return fmt.Errorf("failed to sync run log: %w", err)
	}
	return nil
}

func excerpt(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
