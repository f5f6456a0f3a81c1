/*
Author: KleaSCM
Email: KleaSCM@gmail.com
File: logger.go
Description: Logging system for heapkey. Every run writes a timestamped log file and, optionally,
mirrors it to a console stream. Entries carry the run id so several runs sharing a log
directory stay separable.
*/

package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warn"
	LogLevelError   LogLevel = "error"
)

// LogFormat represents the logging format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatText   LogFormat = "text"
	LogFormatCustom LogFormat = "custom"
)

// FilePrefix starts every run log file name.
const FilePrefix = "heapkey_"

// LoggerConfig holds the configuration for the logger
type LoggerConfig struct {
	Level     LogLevel  `json:"level"`
	Format    LogFormat `json:"format"`
	OutputDir string    `json:"output_dir"`
	MaxFiles  int       `json:"max_files"`
	Timestamp bool      `json:"timestamp"`
	Caller    bool      `json:"caller"`
	Colors    bool      `json:"colors"`

	// Console receives a copy of every entry. Nil keeps logs in the file only.
	Console io.Writer `json:"-"`
}

// DefaultConfig logs at info level to ./logs.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:     LogLevelInfo,
		Format:    LogFormatCustom,
		OutputDir: "./logs",
		MaxFiles:  20,
		Timestamp: true,
	}
}

// Validate checks the LoggerConfig for invalid or missing values.
func (c *LoggerConfig) Validate() error {
	if c.MaxFiles < 0 {
		return fmt.Errorf("max_files must not be negative")
	}
	switch c.Format {
	case LogFormatJSON, LogFormatText, LogFormatCustom:
	default:
		return fmt.Errorf("unsupported log format: %s", c.Format)
	}
	switch c.Level {
	case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
	default:
		return fmt.Errorf("unsupported log level: %s", c.Level)
	}
	if c.OutputDir == "" && c.Console == nil {
		return fmt.Errorf("logger needs an output directory or a console writer")
	}
	return nil
}

// Logger wraps a logrus logger bound to one run.
type Logger struct {
	config     *LoggerConfig
	logger     *logrus.Logger
	fileHandle *os.File
	path       string
	startTime  time.Time
}

// NewLogger creates a new logger instance
func NewLogger(config *LoggerConfig) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Logger{
		config:    config,
		logger:    logrus.New(),
		startTime: time.Now(),
	}
	if err := l.setup(); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}
	return l, nil
}

// setup configures the logger with the given configuration
func (l *Logger) setup() error {
	level, err := logrus.ParseLevel(string(l.config.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.logger.SetLevel(level)
	l.logger.SetReportCaller(l.config.Caller)

	if err := l.setFormatter(); err != nil {
		return err
	}

	var writers []io.Writer
	if l.config.OutputDir != "" {
		file, err := l.openFile()
		if err != nil {
			return err
		}
		writers = append(writers, file)
	}
	if l.config.Console != nil {
		writers = append(writers, l.config.Console)
	}
	l.logger.SetOutput(io.MultiWriter(writers...))

	if l.path != "" {
		l.logger.WithFields(logrus.Fields{
			"start_time": l.startTime.Format(time.RFC3339),
			"log_file":   l.path,
			"level":      l.config.Level,
		}).Debug("Logging initialised")
	}
	return nil
}

// setFormatter configures the log formatter
func (l *Logger) setFormatter() error {
	callerPrettyfier := func(f *runtime.Frame) (string, string) {
		return "", fmt.Sprintf("%s:%d", filepath.Base(f.File), f.Line)
	}

	switch l.config.Format {
	case LogFormatJSON:
		l.logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  time.RFC3339,
			CallerPrettyfier: callerPrettyfier,
		})
	case LogFormatText:
		l.logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    l.config.Timestamp,
			TimestampFormat:  time.RFC3339,
			ForceColors:      l.config.Colors,
			DisableColors:    !l.config.Colors,
			CallerPrettyfier: callerPrettyfier,
		})
	case LogFormatCustom:
		l.logger.SetFormatter(&CustomFormatter{
			Timestamp: l.config.Timestamp,
			Caller:    l.config.Caller,
			Colors:    l.config.Colors,
		})
	default:
		return fmt.Errorf("unsupported log format: %s", l.config.Format)
	}
	return nil
}

// openFile creates the run log, owner-readable only since entries may name accounts.
func (l *Logger) openFile() (*os.File, error) {
	if err := os.MkdirAll(l.config.OutputDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// heapkey_2024-06-11_01-30-00.log
	name := fmt.Sprintf("%s%s.log", FilePrefix, l.startTime.Format("2006-01-02_15-04-05"))
	path := filepath.Join(l.config.OutputDir, name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	l.fileHandle = file
	l.path = path
	return file, nil
}

// Path returns the log file path, "" when logging to the console only.
func (l *Logger) Path() string { return l.path }

// GetLogger returns the underlying logrus logger
func (l *Logger) GetLogger() *logrus.Logger { return l.logger }

// ForRun returns an entry tagged with the run id.
func (l *Logger) ForRun(runID string) *logrus.Entry {
	return l.logger.WithField("run_id", runID)
}

// LogStage records the outcome of one pipeline stage.
func LogStage(log logrus.FieldLogger, stage, status string, duration time.Duration, err error) {
	entry := log.WithFields(logrus.Fields{
		"stage":    stage,
		"status":   status,
		"duration": duration.Round(time.Millisecond),
	})
	switch {
	case err != nil && status == "failed":
		entry.WithError(err).Error("Stage failed")
	case err != nil:
		entry.WithError(err).Warn("Stage completed with warnings")
	default:
		entry.Info("Stage completed")
	}
}

// LogRunSummary records the end of a run.
func LogRunSummary(log logrus.FieldLogger, valid bool, fields int, elapsed time.Duration) {
	log.WithFields(logrus.Fields{
		"valid":   valid,
		"fields":  fields,
		"elapsed": elapsed.Round(time.Second),
	}).Info("Run finished")
}

// Close closes the log file and prunes old run logs beyond MaxFiles.
func (l *Logger) Close() error {
	if l.fileHandle != nil {
		if err := l.fileHandle.Close(); err != nil {
			return err
		}
		l.fileHandle = nil
	}
	if l.config.OutputDir == "" || l.config.MaxFiles == 0 {
		return nil
	}
	if err := NewLogManager(l.config.OutputDir, l.config.MaxFiles).CleanupOldLogs(); err != nil {
		return fmt.Errorf("failed to cleanup log files: %w", err)
	}
	return nil
}
