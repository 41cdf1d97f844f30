package main

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orderflow/internal/audit"
	"orderflow/internal/recorder"
	"orderflow/internal/schema"
)

func TestRebuildFromJournal(t *testing.T) {
	dir := t.TempDir()
	cfg := recorder.DefaultConfig(dir)
	cfg.FilePrefix = "audit"
	j, err := audit.NewJournal(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, j.Start(context.Background()))

	at := time.Date(2024, 5, 6, 15, 0, 0, 0, time.UTC)
	buy := schema.Fill{ID: "f1", OrderID: "o1", Symbol: "AAPL", Side: schema.SideBuy,
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100), Timestamp: at}
	sell := schema.Fill{ID: "f2", OrderID: "o2", Symbol: "AAPL", Side: schema.SideSell,
		Quantity: decimal.NewFromInt(4), Price: decimal.NewFromInt(110), Timestamp: at.Add(time.Minute)}
	j.Append(audit.FillEvent("c1", buy))
	j.Append(audit.FillEvent("c1", buy))
	j.Append(audit.RiskRejection("c2", schema.OrderRejected{Reason: schema.RejectDrawdown}))
	j.Append(audit.FillEvent("c3", sell))
	require.NoError(t, j.Close())

	snap, stats, err := rebuild(context.Background(), recorder.PlaybackConfig{Dir: dir, FilePrefix: "audit"}, decimal.NewFromInt(10_000))
	require.NoError(t, err)
	assert.Equal(t, 4, stats.records)
	assert.Equal(t, 3, stats.fills)
	assert.Equal(t, 1, stats.rejections)

	pos, ok := snap.Position("AAPL")
	require.True(t, ok)
	assert.Equal(t, "6", pos.Quantity.String())
	assert.Equal(t, "40", snap.RealizedPnL.String())
	assert.Equal(t, "9440", snap.Cash.String())
}
