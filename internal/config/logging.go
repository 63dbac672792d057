package config

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func zapLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

// NewLogger builds the process logger. The returned level can be changed at
// runtime, e.g. from a config reload.
func NewLogger(cfg LogConfig) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := zapLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	atom := zap.NewAtomicLevelAt(lvl)
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = atom
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("build logger: %w", err)
	}
	return logger, atom, nil
}

// ApplyLevel updates atom from cfg; invalid levels leave it unchanged.
func ApplyLevel(atom zap.AtomicLevel, cfg LogConfig) bool {
	lvl, err := zapLevel(cfg.Level)
	if err != nil || atom.Level() == lvl {
		return false
	}
	atom.SetLevel(lvl)
	return true
}
