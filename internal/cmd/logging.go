package cmd

import (
	"fmt"
	"io"

	"github.com/harrison/testsmith/internal/config"
	"github.com/harrison/testsmith/internal/logger"
	"github.com/harrison/testsmith/internal/models"
	"github.com/harrison/testsmith/internal/router"
)

// multiLogger implements router.Logger by delegating to multiple loggers
type multiLogger struct {
	loggers []router.Logger
}

// LogDebug forwards to all loggers
func (ml *multiLogger) LogDebug(message string) {
	for _, l := range ml.loggers {
		l.LogDebug(message)
	}
}

// LogInfo forwards to all loggers
func (ml *multiLogger) LogInfo(message string) {
	for _, l := range ml.loggers {
		l.LogInfo(message)
	}
}

// LogWarn forwards to all loggers
func (ml *multiLogger) LogWarn(message string) {
	for _, l := range ml.loggers {
		l.LogWarn(message)
	}
}

// LogError forwards to all loggers
func (ml *multiLogger) LogError(message string) {
	for _, l := range ml.loggers {
		l.LogError(message)
	}
}

// LogRunStart forwards to all loggers
func (ml *multiLogger) LogRunStart(runID string, total int) {
	for _, l := range ml.loggers {
		l.LogRunStart(runID, total)
	}
}

// LogUnitStart forwards to all loggers
func (ml *multiLogger) LogUnitStart(unit models.WorkUnit, index, total int) {
	for _, l := range ml.loggers {
		l.LogUnitStart(unit, index, total)
	}
}

// LogUnitResult forwards to all loggers
func (ml *multiLogger) LogUnitResult(result models.UnitResult) error {
	var lastErr error
	for _, l := range ml.loggers {
		if err := l.LogUnitResult(result); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LogSummary forwards to all loggers
func (ml *multiLogger) LogSummary(summary *models.RunSummary) {
	for _, l := range ml.loggers {
		l.LogSummary(summary)
	}
}

// openLoggers builds the console and file sinks for a pipeline command. The
// returned FileLogger must be closed by the caller.
func openLoggers(w io.Writer, cfg config.Config) (*multiLogger, *logger.FileLogger, error) {
	consoleLog := logger.NewConsoleLogger(w, cfg.LogLevel)

	fileLog, err := logger.NewFileLoggerWithDirAndLevel(cfg.Paths.LogDir, cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create file logger: %w", err)
	}

	return &multiLogger{loggers: []router.Logger{consoleLog, fileLog}}, fileLog, nil
}
