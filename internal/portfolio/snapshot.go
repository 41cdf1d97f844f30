package portfolio

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"

	"orderflow/internal/schema"
)

// WriteSnapshot writes a snapshot to disk as JSON.
func WriteSnapshot(path string, snap schema.PortfolioSnapshot) error {
	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadSnapshot loads a snapshot from disk.
func ReadSnapshot(path string) (schema.PortfolioSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return schema.PortfolioSnapshot{}, err
	}
	var snap schema.PortfolioSnapshot
	if err := sonic.ConfigStd.Unmarshal(data, &snap); err != nil {
		return schema.PortfolioSnapshot{}, err
	}
	return snap, nil
}

// CompareSnapshots checks that two snapshots hold the same cash, PnL and
// positions. Timestamps are ignored.
func CompareSnapshots(expected, actual schema.PortfolioSnapshot) error {
	if !expected.Cash.Equal(actual.Cash) {
		return fmt.Errorf("cash mismatch: expected=%s actual=%s", expected.Cash, actual.Cash)
	}
	if !expected.RealizedPnL.Equal(actual.RealizedPnL) {
		return fmt.Errorf("realized pnl mismatch: expected=%s actual=%s", expected.RealizedPnL, actual.RealizedPnL)
	}
	if len(expected.Positions) != len(actual.Positions) {
		return fmt.Errorf("snapshot length mismatch: expected=%d actual=%d", len(expected.Positions), len(actual.Positions))
	}
	for _, want := range expected.Positions {
		got, ok := actual.Position(want.Symbol)
		if !ok {
			return fmt.Errorf("snapshot missing symbol: %s", want.Symbol)
		}
		if !want.Quantity.Equal(got.Quantity) {
			return fmt.Errorf("snapshot qty mismatch: symbol=%s expected=%s actual=%s", want.Symbol, want.Quantity, got.Quantity)
		}
		if !want.AvgCost.Equal(got.AvgCost) {
			return fmt.Errorf("snapshot avg cost mismatch: symbol=%s expected=%s actual=%s", want.Symbol, want.AvgCost, got.AvgCost)
		}
		if !want.RealizedPnL.Equal(got.RealizedPnL) {
			return fmt.Errorf("snapshot realized mismatch: symbol=%s expected=%s actual=%s", want.Symbol, want.RealizedPnL, got.RealizedPnL)
		}
	}
	return nil
}
