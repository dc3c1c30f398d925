package log

import (
	"errors"
	"os"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	STDOUT     bool   // write to stdout
	File       string // rotated log file, empty means no file
	Verbose    bool   // debug level, info otherwise
	MaxAge     int    // days to keep rotated files, 0 keeps all
	MaxSize    int    // megabytes per file
	MaxBackups int    // rotated files to keep
	Compress   bool
	JsonFormat bool
}

var (
	Logger = zap.NewNop()
	Sugar  = Logger.Sugar()
)

// Init installs a logger writing to every sink the config names, at least
// one is required.
func Init(config Config) error {
	ws, err := writeSyncer(config)
	if err != nil {
		return err
	}

	level := zapcore.InfoLevel
	if config.Verbose {
		level = zapcore.DebugLevel
	}

	Set(zap.New(zapcore.NewCore(encoder(config.JsonFormat), ws, level), zap.AddCaller()))
	return nil
}

func writeSyncer(config Config) (zapcore.WriteSyncer, error) {
	var wss []zapcore.WriteSyncer
	if config.File != "" {
		wss = append(wss, zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSize,
			MaxAge:     config.MaxAge,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		}))
	}
	if config.STDOUT {
		wss = append(wss, zapcore.AddSync(os.Stdout))
	}

	if len(wss) == 0 {
		return nil, errors.New("write syncer needed")
	}
	return zapcore.NewMultiWriteSyncer(wss...), nil
}

func encoder(json bool) zapcore.Encoder {
	cfg := zapcore.EncoderConfig{
		TimeKey:        "T",
		LevelKey:       "L",
		NameKey:        "N",
		CallerKey:      "C",
		MessageKey:     "M",
		StacktraceKey:  "S",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if json {
		return zapcore.NewJSONEncoder(cfg)
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// Set replaces the package loggers, tests use it with zaptest or zap.NewNop.
func Set(l *zap.Logger) {
	Logger = l
	Sugar = l.Sugar()
}

func Sync() {
	_ = Logger.Sync()
}
