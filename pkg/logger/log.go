// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package logger

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	Error = LogLevel(iota)
	Warning
	Info
	Debug
)

func (level LogLevel) String() string {
	switch level {
	case Error:
		return "error"
	case Warning:
		return "warning"
	case Info:
		return "info"
	case Debug:
		return "debug"
	}
	return fmt.Sprintf("LogLevel(%d)", int(level))
}

func (level LogLevel) logrusLevel() logrus.Level {
	switch level {
	case Error:
		return logrus.ErrorLevel
	case Warning:
		return logrus.WarnLevel
	case Debug:
		return logrus.DebugLevel
	}
	return logrus.InfoLevel
}

// ParseLogLevel accepts the names printed by LogLevel.String, case-insensitively.
func ParseLogLevel(name string) (LogLevel, error) {
	switch strings.ToLower(name) {
	case "error":
		return Error, nil
	case "warn", "warning":
		return Warning, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	}
	return Info, fmt.Errorf("unknown log level '%s'", name)
}

var logFileLock = &sync.Mutex{}

type LoggingConfig struct {
	level LogLevel
	base  *logrus.Logger
}

type Logger struct {
	level LogLevel
	entry *logrus.Entry
}

var logFileInstance *LoggingConfig

func GetLoggingConfig() *LoggingConfig {
	logFileLock.Lock()
	defer logFileLock.Unlock()
	if logFileInstance == nil {
		base := logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(Info.logrusLevel())
		logFileInstance = &LoggingConfig{
			level: Info,
			base:  base,
		}
	}
	return logFileInstance
}

func SetLoggingConfig(level LogLevel) {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	defer logFileLock.Unlock()
	loggingConfig.level = level
	loggingConfig.base.SetLevel(level.logrusLevel())
}

// SetOutput redirects every logger, including ones already handed out.
func SetOutput(output io.Writer) {
	loggingConfig := GetLoggingConfig()
	loggingConfig.base.SetOutput(output)
}

func GetLogger() *Logger {
	loggingConfig := GetLoggingConfig()
	logFileLock.Lock()
	level := loggingConfig.level
	logFileLock.Unlock()
	entry := logrus.NewEntry(loggingConfig.base)
	if trace := GetTraceInfo(); trace != "" {
		entry = entry.WithField("at", trace)
	}
	return &Logger{
		level: level,
		entry: entry,
	}
}

// GetTraceInfo describes the caller of the function that called it.
func GetTraceInfo() string {
	pc, fileName, fileLine, ok := runtime.Caller(2)
	details := runtime.FuncForPC(pc)
	if ok && details != nil {
		return fmt.Sprintf("func %s() at %s:%d", details.Name(), fileName, fileLine)
	}
	return ""
}

func (logger *Logger) WithField(key string, value any) *Logger {
	return &Logger{
		level: logger.level,
		entry: logger.entry.WithField(key, value),
	}
}

func (logger *Logger) Error(data ...any) {
	if logger.level >= Error {
		logger.entry.Error(data...)
	}
}

func (logger *Logger) Warn(data ...any) {
	if logger.level >= Warning {
		logger.entry.Warn(data...)
	}
}

func (logger *Logger) Warning(data ...any) {
	logger.Warn(data...)
}

func (logger *Logger) Info(data ...any) {
	if logger.level >= Info {
		logger.entry.Info(data...)
	}
}

func (logger *Logger) Debug(data ...any) {
	if logger.level >= Debug {
		logger.entry.Debug(data...)
	}
}

func (logger *Logger) Errorf(format string, a ...any) {
	logger.Error(fmt.Sprintf(format, a...))
}

func (logger *Logger) Warnf(format string, a ...any) {
	logger.Warn(fmt.Sprintf(format, a...))
}

func (logger *Logger) Warningf(format string, a ...any) {
	logger.Warnf(format, a...)
}

func (logger *Logger) Infof(format string, a ...any) {
	logger.Info(fmt.Sprintf(format, a...))
}

func (logger *Logger) Debugf(format string, a ...any) {
	logger.Debug(fmt.Sprintf(format, a...))
}
