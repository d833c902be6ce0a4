// Package logging builds the service's zap logger.
package logging

import (
	"fmt"
	"os"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New returns a JSON logger writing to stdout, or a colored console logger
// when cfg.Dev is set. Errors and above also go to stderr.
func New(cfg config.LogConfig) (*zap.SugaredLogger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
	}
	return zap.New(newCore(cfg.Dev, level), zap.AddCaller()).Sugar(), nil
}

func newCore(dev bool, level zapcore.Level) zapcore.Core {
	var encoder zapcore.Encoder
	if dev {
		encCfg := zap.NewDevelopmentEncoderConfig()
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	info := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= level && l < zapcore.ErrorLevel
		}))
	errs := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= level && l >= zapcore.ErrorLevel
		}))
	return zapcore.NewTee(info, errs)
}
