package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestQueryLoggerTrace(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := NewQueryLogger(zap.New(core), logger.Warn, false)
	ctx := context.Background()
	stmt := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), stmt, gorm.ErrDuplicatedKey)
	l.Trace(ctx, time.Now(), stmt, errors.New("connection refused"))
	l.Trace(ctx, time.Now().Add(-time.Second), stmt, nil)
	l.Trace(ctx, time.Now(), stmt, nil)

	entries := logs.AllUntimed()
	require.Len(t, entries, 3)
	require.Equal(t, zapcore.DebugLevel, entries[0].Level)
	require.Equal(t, zapcore.ErrorLevel, entries[1].Level)
	require.Equal(t, "gorm.slow_query", entries[2].Message)

	silent := l.LogMode(logger.Silent)
	silent.Trace(ctx, time.Now(), stmt, errors.New("boom"))
	require.Equal(t, 3, logs.Len())
}
