// Package logger provides the process-global structured logger for Nexus.
//
// The server logs to two sinks: the console, and a log file under the
// server home that backs the GET /v1/server/logs endpoint. The level is
// adjustable at runtime so a config reload can flip debug logging on a
// live server.
package logger

import (
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ServerLogFile is the file name of the server log inside the logs directory.
const ServerLogFile = "server.log"

var (
	// Logger is the global logger instance
	Logger *zap.SugaredLogger

	level   = zap.NewAtomicLevelAt(zap.InfoLevel)
	logFile *os.File
)

func init() {
	// Safe no-op logger at package load time so early callers never panic
	Logger = zap.NewNop().Sugar()
}

// Initialize sets up the global logger. Console output always; when logDir
// is non-empty a file sink at {logDir}/server.log is added as well.
func Initialize(logLevel string, logDir string) error {
	if err := SetLevel(logLevel); err != nil {
		return err
	}

	consoleEnc := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalColorLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleEnc), zapcore.AddSync(os.Stdout), level),
	}

	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(filepath.Join(logDir, ServerLogFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		logFile = f

		fileEnc := consoleEnc
		fileEnc.EncodeLevel = zapcore.CapitalLevelEncoder // no color codes in the file
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(fileEnc), zapcore.AddSync(f), level))
	}

	Logger = zap.New(zapcore.NewTee(cores...)).Sugar()
	return nil
}

// SetLevel changes the logging level at runtime. Accepts zap level names
// (debug, info, warn, error).
func SetLevel(logLevel string) error {
	parsed, err := zapcore.ParseLevel(logLevel)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

// Level reports the current logging level.
func Level() zapcore.Level {
	return level.Level()
}

// LogFilePath returns the path of the server log file inside logDir.
func LogFilePath(logDir string) string {
	return filepath.Join(logDir, ServerLogFile)
}

// Cleanup flushes buffered entries and closes the file sink.
func Cleanup() {
	if Logger != nil {
		Logger.Sync()
	}
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Info logs an info message
func Info(args ...interface{}) {
	if Logger != nil {
		Logger.Info(args...)
	}
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Infof(format, args...)
	}
}

// Infow logs an info message with structured fields
func Infow(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Infow(msg, keysAndValues...)
	}
}

// Error logs an error message
func Error(args ...interface{}) {
	if Logger != nil {
		Logger.Error(args...)
	}
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Errorf(format, args...)
	}
}

// Errorw logs an error message with structured fields
func Errorw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Errorw(msg, keysAndValues...)
	}
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	if Logger != nil {
		Logger.Warn(args...)
	}
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Warnf(format, args...)
	}
}

// Warnw logs a warning message with structured fields
func Warnw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Warnw(msg, keysAndValues...)
	}
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	if Logger != nil {
		Logger.Debug(args...)
	}
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	if Logger != nil {
		Logger.Debugf(format, args...)
	}
}

// Debugw logs a debug message with structured fields
func Debugw(msg string, keysAndValues ...interface{}) {
	if Logger != nil {
		Logger.Debugw(msg, keysAndValues...)
	}
}
