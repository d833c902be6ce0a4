package session

import (
	"testing"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
)

func badgerConfig(t *testing.T) config.BadgerConfig {
	t.Helper()
	return config.BadgerConfig{Path: t.TempDir()}
}
