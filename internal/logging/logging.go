// Package logging builds the daemon's zap logger with lumberjack rotation.
package logging

import (
	"fmt"
	"os"

	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options controls where and how the daemon writes logs.
type Options struct {
	// Dir is the directory that holds the rotated log file, usually
	// "<project>/.nightfall/logs".
	Dir string
	// Prod switches to a JSON encoder and drops the stdout mirror, matching
	// production log-shipping expectations.
	Prod bool
	// Level is parsed with zapcore.ParseLevel; an empty or invalid value
	// falls back to info.
	Level string
}

// New builds a *zap.Logger writing to "<Dir>/daemon.log" with rotation, and,
// outside Prod mode, mirroring to stdout as well.
func New(opts Options) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.Set(opts.Level); err != nil {
			level = zapcore.InfoLevel
		}
	}

	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	rotator := &lumberjack.Logger{
		Filename:   logPath(opts.Dir),
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
	}

	var encoder zapcore.Encoder
	var ws zapcore.WriteSyncer
	if opts.Prod {
		encoder = zapcore.NewJSONEncoder(encCfg)
		ws = zapcore.AddSync(rotator)
	} else {
		encoder = zapcore.NewConsoleEncoder(encCfg)
		ws = zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(rotator))
	}

	core := zapcore.NewCore(encoder, ws, level)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(0)), nil
}

func logPath(dir string) string {
	if dir == "" {
		return "daemon.log"
	}
	return dir + "/daemon.log"
}
