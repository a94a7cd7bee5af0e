// Package logging holds the process-wide zap logger.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the shared logger. It is a no-op logger until Init is called so
// packages can log safely from tests and init code.
var Logger = zap.NewNop()

// Init builds the shared logger. Mode "release" selects the JSON production
// encoder; anything else gets the colored development encoder.
func Init(mode string) error {
	var config zap.Config

	if mode == "release" {
		config = zap.NewProductionConfig()
	} else {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := config.Build()
	if err != nil {
		return err
	}

	Logger = logger
	return nil
}

// Named returns a child of the shared logger.
func Named(name string) *zap.Logger {
	return Logger.Named(name)
}

func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}
