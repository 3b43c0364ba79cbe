package raftmembership

import (
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zapio"
)

// hclogAdapter lets the raft library log through zap.
type hclogAdapter struct {
	logger *zap.Logger
	name   string
	level  zap.AtomicLevel
}

func newHclogAdapter(logger *zap.Logger) *hclogAdapter {
	initial := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &hclogAdapter{
		logger: logger,
		level:  zap.NewAtomicLevelAt(initial),
	}
}

func (z *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	z.log(toZapLevel(level), msg, args...)
}

// Trace maps to debug; zap has no finer level.
func (z *hclogAdapter) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *hclogAdapter) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *hclogAdapter) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *hclogAdapter) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *hclogAdapter) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *hclogAdapter) log(level zapcore.Level, msg string, args ...interface{}) {
	// bolt reports every read transaction it closes.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToFields(args)...)
	}
}

func (z *hclogAdapter) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *hclogAdapter) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *hclogAdapter) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *hclogAdapter) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *hclogAdapter) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *hclogAdapter) ImpliedArgs() []interface{} { return nil }

func (z *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{
		logger: z.logger.With(argsToFields(args)...),
		name:   z.name,
		level:  z.level,
	}
}

func (z *hclogAdapter) Name() string { return z.name }

func (z *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &hclogAdapter{logger: z.logger.Named(name), name: full, level: z.level}
}

func (z *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{logger: z.logger.Named(name), name: name, level: z.level}
}

func (z *hclogAdapter) SetLevel(level hclog.Level) { z.level.SetLevel(toZapLevel(level)) }

func (z *hclogAdapter) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	default:
		return hclog.NoLevel
	}
}

func (z *hclogAdapter) StandardLogger(*hclog.StandardLoggerOptions) *log.Logger {
	return zap.NewStdLog(z.logger)
}

func (z *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &zapio.Writer{Log: z.logger, Level: zap.InfoLevel}
}

func toZapLevel(level hclog.Level) zapcore.Level {
	switch level {
	case hclog.Trace, hclog.Debug:
		return zap.DebugLevel
	case hclog.Warn:
		return zap.WarnLevel
	case hclog.Error:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

func argsToFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("invalid_key_%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.String(key, "(no value)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
