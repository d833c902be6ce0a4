package history

import (
	"context"
	"testing"

	"github.com/phamtheson2807/FinanceFlow-sub001/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpen(t *testing.T) {
	logger := zap.NewNop().Sugar()
	ctx := context.Background()

	s, err := Open(ctx, config.StoreConfig{Driver: "memory"}, logger)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	s, err = Open(ctx, config.StoreConfig{Driver: "badger", Badger: config.BadgerConfig{Path: t.TempDir()}}, logger)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(ctx, config.StoreConfig{Driver: "cassandra"}, logger)
	assert.Error(t, err)
}
