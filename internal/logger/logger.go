// Copyright 2023 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"go.elastic.co/ecszap"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level.
type LogLevel string

// LogFormat represents the logging format.
type LogFormat string

const (
	DebugLevel LogLevel = "DEBUG"
	InfoLevel  LogLevel = "INFO"
	WarnLevel  LogLevel = "WARN"
	ErrorLevel LogLevel = "ERROR"
	// ProductionLevel is an alias for InfoLevel, used for easier configuration.
	ProductionLevel LogLevel = "PRODUCTION"

	// FormatConsole indicates human-readable console format.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON indicates structured JSON format.
	FormatJSON LogFormat = "JSON"
	// FormatECS indicates JSON in the Elastic Common Schema.
	FormatECS LogFormat = "ECS"
)

// ParseLevel converts a configured level to zapcore.Level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch LogLevel(strings.ToUpper(level)) {
	case DebugLevel:
		return zapcore.DebugLevel, nil
	case InfoLevel, ProductionLevel, "":
		return zapcore.InfoLevel, nil
	case WarnLevel:
		return zapcore.WarnLevel, nil
	case ErrorLevel:
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
}

// ParseFormat validates a configured format.
func ParseFormat(format string) (LogFormat, error) {
	switch f := LogFormat(strings.ToUpper(format)); f {
	case FormatConsole, FormatJSON, FormatECS:
		return f, nil
	case "":
		return FormatConsole, nil
	default:
		return FormatConsole, fmt.Errorf("unknown log format %q", format)
	}
}

// timeEncoder encodes the time as a human-readable timestamp.
func timeEncoder(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
}

func newEncoder(format LogFormat) zapcore.Encoder {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	if format == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = timeEncoder
		encoderConfig.ConsoleSeparator = " | "
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

func newCore(format LogFormat, ws zapcore.WriteSyncer, level zap.AtomicLevel) zapcore.Core {
	if format == FormatECS {
		return ecszap.NewCore(ecszap.NewDefaultEncoderConfig(), ws, level)
	}
	return zapcore.NewCore(newEncoder(format), ws, level)
}

// New creates the process logger. Output goes to stdout and, if file is not
// empty, is appended to that file as well. The returned close function
// flushes and closes the file.
func New(level string, format string, file string) (*zap.Logger, func() error, error) {
	zapLevel, err := ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logFormat, err := ParseFormat(format)
	if err != nil {
		return nil, nil, err
	}
	atomicLevel := zap.NewAtomicLevelAt(zapLevel)

	cores := []zapcore.Core{newCore(logFormat, zapcore.Lock(os.Stdout), atomicLevel)}
	closeFn := func() error { return nil }

	if file != "" {
		// #nosec G302 G304 -- operator supplied log path
		f, err := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		cores = append(cores, newCore(logFormat, zapcore.Lock(f), atomicLevel))
		closeFn = f.Close
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return logger, func() error {
		_ = logger.Sync()
		return closeFn()
	}, nil
}

// Initialize builds the process logger and replaces the zap globals with it.
func Initialize(level string, format string, file string) (*zap.SugaredLogger, func() error, error) {
	logger, closeFn, err := New(level, format, file)
	if err != nil {
		return nil, nil, err
	}
	zap.ReplaceGlobals(logger)
	logger.Info("Logger initialized",
		zap.String("level", level),
		zap.String("format", format))
	return logger.Sugar(), closeFn, nil
}

// For returns a named child logger for a component.
func For(parent *zap.SugaredLogger, component string) *zap.SugaredLogger {
	return parent.Named(component)
}
