// Copyright (C) 2019-2025, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package testutil

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// TestLogger adapts zap to the Logger interface tests hand to
// controllers and finalizers. Trace and Verbo map onto debug so every
// level the finality domain logs at shows up in test output.
type TestLogger struct {
	*zap.Logger
	trace *zap.Logger
}

func consoleCore() zapcore.Core {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("[01-02|15:04:05.000]")
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " "
	return zapcore.NewCore(
		zapcore.NewConsoleEncoder(cfg),
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
}

// MakeLogger builds a console logger tagged with the test name and,
// when given, the local finalizer index, so interleaved lines from
// multi-finalizer clusters stay attributable.
func MakeLogger(t *testing.T, finalizer ...int) *TestLogger {
	core := consoleCore()
	fields := []zap.Field{zap.String("test", t.Name())}
	if len(finalizer) > 0 {
		fields = append(fields, zap.Int("finalizer", finalizer[0]))
	}
	base := zap.New(core, zap.AddCaller()).With(fields...)
	trace := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).With(fields...)
	return &TestLogger{Logger: base, trace: trace}
}

// Intercept registers a hook observing every entry the logger emits.
func (tl *TestLogger) Intercept(hook func(entry zapcore.Entry) error) {
	tl.Logger = tl.Logger.WithOptions(zap.Hooks(hook))
	tl.trace = tl.trace.WithOptions(zap.Hooks(hook))
}

// Silence drops everything below Fatal, including Trace and Verbo,
// while keeping the accumulated context fields.
func (tl *TestLogger) Silence() {
	quiet := zap.IncreaseLevel(zap.NewAtomicLevelAt(zapcore.FatalLevel))
	tl.Logger = tl.Logger.WithOptions(quiet)
	tl.trace = tl.trace.WithOptions(quiet)
}

func (tl *TestLogger) Trace(msg string, fields ...zap.Field) {
	tl.trace.Log(zapcore.DebugLevel, msg, fields...)
}

func (tl *TestLogger) Verbo(msg string, fields ...zap.Field) {
	tl.trace.Log(zapcore.DebugLevel, msg, fields...)
}
