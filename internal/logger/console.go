// Package logger provides logging implementations for testsmith runs.
//
// The logger package offers per-unit progress lines and a run summary on the
// console, plus a structured per-run file log. Implementations are thread-safe
// so units processed concurrently can share one logger.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/testsmith/internal/models"
)

// Log level constants for filtering
const (
	levelTrace int = 0
	levelDebug int = 1
	levelInfo  int = 2
	levelWarn  int = 3
	levelError int = 4
)

// ConsoleLogger logs run progress to a writer with timestamps and thread safety.
// All output is prefixed with [HH:MM:SS] timestamps.
// It supports log level filtering to control message verbosity.
// Color output is automatically enabled for terminal output (os.Stdout/os.Stderr).
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	progress    *ProgressBar
}

// NewConsoleLogger creates a ConsoleLogger that writes to the provided io.Writer.
// If writer is nil, messages are silently discarded.
// Valid levels: trace, debug, info, warn, error (case-insensitive).
// If logLevel is empty or invalid, defaults to "info".
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	normalizedLevel := normalizeLogLevel(logLevel)
	useColor := isTerminal(writer)

	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizedLevel,
		mutex:       sync.Mutex{},
		colorOutput: useColor,
	}
}

// isTerminal checks if the writer is a terminal that supports colors.
// Returns false when NO_COLOR is set.
func isTerminal(w io.Writer) bool {
	if w == nil || color.NoColor {
		return false
	}

	f, ok := w.(*os.File)
	if !ok || (f != os.Stdout && f != os.Stderr) {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// normalizeLogLevel converts a log level string to lowercase and validates it.
// Returns "info" as default for empty or invalid levels.
func normalizeLogLevel(level string) string {
	normalized := strings.ToLower(strings.TrimSpace(level))

	validLevels := map[string]bool{
		"trace": true,
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if validLevels[normalized] {
		return normalized
	}

	return "info"
}

// shouldLog checks if a message at the given level should be logged.
func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// logLevelToInt converts a log level string to its numeric value.
func logLevelToInt(level string) int {
	switch level {
	case "trace":
		return levelTrace
	case "debug":
		return levelDebug
	case "info":
		return levelInfo
	case "warn":
		return levelWarn
	case "error":
		return levelError
	default:
		return levelInfo
	}
}

// LogTrace logs a trace-level message (most verbose).
func (cl *ConsoleLogger) LogTrace(message string) {
	cl.logWithLevel("TRACE", message)
}

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) {
	cl.logWithLevel("DEBUG", message)
}

// LogInfo logs an info-level message.
// Format: "[HH:MM:SS] [INFO] <message>"
func (cl *ConsoleLogger) LogInfo(message string) {
	cl.logWithLevel("INFO", message)
}

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) {
	cl.logWithLevel("WARN", message)
}

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) {
	cl.logWithLevel("ERROR", message)
}

func (cl *ConsoleLogger) logWithLevel(level string, message string) {
	if cl.writer == nil {
		return
	}
	if !cl.shouldLog(strings.ToLower(level)) {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	var formatted string
	if cl.colorOutput {
		formatted = cl.formatWithColor(ts, level, message)
	} else {
		formatted = fmt.Sprintf("[%s] [%s] %s\n", ts, level, message)
	}

	cl.writer.Write([]byte(formatted))
}

// formatWithColor formats a log message with ANSI color codes.
func (cl *ConsoleLogger) formatWithColor(ts, level, message string) string {
	var coloredLevel string

	switch strings.ToUpper(level) {
	case "TRACE":
		coloredLevel = color.New(color.FgHiBlack).Sprint(level)
	case "DEBUG":
		coloredLevel = color.New(color.FgCyan).Sprint(level)
	case "INFO":
		coloredLevel = color.New(color.FgBlue).Sprint(level)
	case "WARN":
		coloredLevel = color.New(color.FgYellow).Sprint(level)
	case "ERROR":
		coloredLevel = color.New(color.FgRed).Sprint(level)
	default:
		coloredLevel = level
	}

	return fmt.Sprintf("[%s] [%s] %s\n", ts, coloredLevel, message)
}

// LogRunStart logs the start of a run at INFO level.
// Format: "[HH:MM:SS] Starting run <id>: <total> units"
func (cl *ConsoleLogger) LogRunStart(runID string, total int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	cl.progress = NewProgressBar(total, 20, cl.colorOutput)

	id := runID
	if cl.colorOutput {
		id = color.New(color.Bold).Sprint(runID)
	}
	fmt.Fprintf(cl.writer, "[%s] Starting run %s: %d units\n", timestamp(), id, total)
}

// LogUnitStart logs that a unit is being processed at INFO level.
// Format: "[HH:MM:SS] [i/n] <identity>"
func (cl *ConsoleLogger) LogUnitStart(unit models.WorkUnit, index, total int) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	name := unit.Identity
	if cl.colorOutput {
		name = color.New(color.FgCyan).Sprint(unit.Identity)
	}
	fmt.Fprintf(cl.writer, "[%s] [%d/%d] %s\n", timestamp(), index, total, name)
}

// LogUnitResult logs the outcome of a unit at INFO level, followed by the
// run progress bar when a run is in progress.
// Format: "[HH:MM:SS] <identity>: <OUTCOME> (<detail>)"
func (cl *ConsoleLogger) LogUnitResult(result models.UnitResult) error {
	if cl.writer == nil {
		return nil
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	if cl.progress != nil {
		cl.progress.Increment()
	}
	if !cl.shouldLog("info") {
		return nil
	}

	ts := timestamp()
	outcome := result.Outcome
	if cl.colorOutput {
		outcome = outcomeColor(result.Outcome).Sprint(result.Outcome)
	}

	line := fmt.Sprintf("[%s] %s: %s", ts, result.Unit.Identity, outcome)
	if detail := unitDetail(result); detail != "" {
		line += " (" + detail + ")"
	}
	line += "\n"
	if cl.progress != nil {
		line += fmt.Sprintf("[%s] Progress: %s\n", ts, cl.progress.Render())
	}

	_, err := cl.writer.Write([]byte(line))
	return err
}

// unitDetail renders the short parenthesised detail of a unit result.
func unitDetail(r models.UnitResult) string {
	var parts []string
	if r.Verdict != nil && r.Outcome != models.OutcomeSkipped {
		parts = append(parts, fmt.Sprintf("%d passing, %d failing", r.Verdict.PassedCount, r.Verdict.FailedCount))
		if r.Verdict.TimedOut {
			parts = append(parts, "timed out")
		}
	}
	if r.Attempts > 1 {
		parts = append(parts, fmt.Sprintf("%d attempts", r.Attempts))
	}
	if r.Rounds > 1 {
		parts = append(parts, fmt.Sprintf("%d rounds", r.Rounds))
	}
	if r.Duration > 0 {
		parts = append(parts, formatDuration(r.Duration))
	}
	return strings.Join(parts, ", ")
}

// LogSummary logs the run summary at INFO level.
func (cl *ConsoleLogger) LogSummary(summary *models.RunSummary) {
	if cl.writer == nil || summary == nil || !cl.shouldLog("info") {
		return
	}

	cl.mutex.Lock()
	defer cl.mutex.Unlock()

	ts := timestamp()
	scheme := newColorScheme(cl.colorOutput)

	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", ts, scheme.header("=== Run Summary ==="))
	fmt.Fprintf(&b, "[%s] Total units: %d\n", ts, summary.Total)
	fmt.Fprintf(&b, "[%s] %s\n", ts, scheme.success.Sprintf("Validated: %d", summary.SuccessCount))
	if summary.FailureCount > 0 {
		fmt.Fprintf(&b, "[%s] %s\n", ts, scheme.fail.Sprintf("Failed: %d", summary.FailureCount))
	} else {
		fmt.Fprintf(&b, "[%s] Failed: %d\n", ts, summary.FailureCount)
	}
	fmt.Fprintf(&b, "[%s] Skipped: %d\n", ts, summary.Skipped)
	fmt.Fprintf(&b, "[%s] Success rate: %.1f%%\n", ts, summary.SuccessRate()*100)
	fmt.Fprintf(&b, "[%s] Duration: %s\n", ts, formatDuration(summary.Duration))

	if len(summary.Failed) > 0 {
		fmt.Fprintf(&b, "[%s] %s\n", ts, scheme.fail.Sprint("Failed units:"))
		for _, r := range summary.Failed {
			fmt.Fprintf(&b, "[%s]   - %s: %s\n", ts, r.Unit.Identity, outcomeLabel(r.Outcome, scheme))
		}
	}

	cl.writer.Write([]byte(b.String()))
}

// timestamp returns the current time formatted as "15:04:05" (HH:MM:SS).
func timestamp() string {
	return time.Now().Format("15:04:05")
}

// formatDuration renders d to whole seconds without trailing zero units,
// e.g. "5s", "1m30s", "2h15m".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	if d < time.Minute {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	s := d.String()
	if strings.HasSuffix(s, "m0s") {
		s = s[:len(s)-2]
	}
	if strings.HasSuffix(s, "h0m") {
		s = s[:len(s)-2]
	}
	return s
}

// NoOpLogger discards all log messages.
// Useful for testing or when logging is disabled.
type NoOpLogger struct{}

// NewNoOpLogger creates a NoOpLogger instance.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

func (n *NoOpLogger) LogDebug(message string) {}
func (n *NoOpLogger) LogInfo(message string) {}
func (n *NoOpLogger) LogWarn(message string) {}
func (n *NoOpLogger) LogError(message string) {}
func (n *NoOpLogger) LogRunStart(runID string, total int) {}
func (n *NoOpLogger) LogUnitStart(unit models.WorkUnit, index, total int) {}
func (n *NoOpLogger) LogUnitResult(result models.UnitResult) error { return nil }
func (n *NoOpLogger) LogSummary(summary *models.RunSummary) {}
