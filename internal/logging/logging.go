// Package logging builds the single *zap.SugaredLogger each binary
// constructs at startup from its --log and -v flags (§3.2).
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a logger writing JSON to stdout, or to file if non-empty.
// verbosity is the number of times -v was repeated: 0 is Info, 1 or
// more is Debug (the spec names only these two levels).
func New(file string, verbosity int) (*zap.SugaredLogger, error) {
	level := zapcore.InfoLevel
	if verbosity > 0 {
		level = zapcore.DebugLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	if file != "" {
		cfg.OutputPaths = []string{file}
		cfg.ErrorOutputPaths = []string{file}
	}

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build: %w", err)
	}
	return logger.Sugar(), nil
}
