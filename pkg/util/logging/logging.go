package logging

import (
	"os"
	"sync"

	"github.com/tidb-incubator/sqlbridge/pkg/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const defaultLogMaxSize = 300 // MB

// The process-global logger has two sinks, each filtered by its own
// severity threshold: a console sink defaulting to warn, and a file sink
// defaulting to info that stays inactive until a log path is configured.
// The debug observer drops both thresholds at attach time and restores
// them on detach, which is why the levels are atomic.
var (
	mu           sync.Mutex
	consoleLevel = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	fileLevel    = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger       = buildLogger(nil, "console")
)

// L returns the process-global logger.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	return logger
}

// Init rebuilds the global logger from configuration. The file sink is
// added only when a filename is present.
func Init(cfg *config.Log) error {
	mu.Lock()
	defer mu.Unlock()

	if cfg.ConsoleLevel != "" {
		level, err := ParseLevel(cfg.ConsoleLevel)
		if err != nil {
			return err
		}
		consoleLevel.SetLevel(level)
	}
	if cfg.FileLevel != "" {
		level, err := ParseLevel(cfg.FileLevel)
		if err != nil {
			return err
		}
		fileLevel.SetLevel(level)
	}

	var fileSyncer zapcore.WriteSyncer
	if cfg.LogFile.Filename != "" {
		fileSyncer = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile.Filename,
			MaxSize:    orDefault(cfg.LogFile.MaxSize, defaultLogMaxSize),
			MaxAge:     cfg.LogFile.MaxDays,
			MaxBackups: cfg.LogFile.MaxBackups,
		})
	}
	logger = buildLogger(fileSyncer, cfg.Format)
	return nil
}

// SetConsoleLevel changes the console sink threshold.
func SetConsoleLevel(level zapcore.Level) {
	consoleLevel.SetLevel(level)
}

// ConsoleLevel returns the current console sink threshold.
func ConsoleLevel() zapcore.Level {
	return consoleLevel.Level()
}

// SetFileLevel changes the file sink threshold.
func SetFileLevel(level zapcore.Level) {
	fileLevel.SetLevel(level)
}

// FileLevel returns the current file sink threshold.
func FileLevel() zapcore.Level {
	return fileLevel.Level()
}

// ParseLevel converts a configuration string to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	var level zapcore.Level
	err := level.UnmarshalText([]byte(s))
	return level, err
}

func buildLogger(fileSyncer zapcore.WriteSyncer, format string) *zap.Logger {
	cores := []zapcore.Core{
		zapcore.NewCore(newEncoder(format), zapcore.AddSync(os.Stderr), consoleLevel),
	}
	if fileSyncer != nil {
		cores = append(cores, zapcore.NewCore(newEncoder(format), fileSyncer, fileLevel))
	}
	return zap.New(zapcore.NewTee(cores...), zap.AddCaller())
}

func newEncoder(format string) zapcore.Encoder {
	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if format == "json" {
		return zapcore.NewJSONEncoder(encoderCfg)
	}
	return zapcore.NewConsoleEncoder(encoderCfg)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
