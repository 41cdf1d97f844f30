package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
	"github.com/yanun0323/logs"

	"orderflow/internal/audit"
	"orderflow/internal/portfolio"
	"orderflow/internal/recorder"
	"orderflow/internal/schema"
)

func main() {
	app := &cli.App{
		Name:  "replay",
		Usage: "rebuild a portfolio from an audit journal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: "data/audit", Usage: "audit journal directory"},
			&cli.StringFlag{Name: "prefix", Value: "audit", Usage: "journal file prefix"},
			&cli.StringFlag{Name: "initial-cash", Value: "100000", Usage: "starting cash of the session"},
			&cli.BoolFlag{Name: "no-checksum", Usage: "skip record checksum validation"},
			&cli.BoolFlag{Name: "skip-corrupt", Usage: "skip records that fail to decode"},
			&cli.StringFlag{Name: "verify", Usage: "snapshot file to compare the rebuilt portfolio against"},
			&cli.StringFlag{Name: "out", Usage: "write the rebuilt snapshot here"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logs.Errorf("replay: %+v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cash, err := decimal.NewFromString(c.String("initial-cash"))
	if err != nil {
		return fmt.Errorf("initial-cash: %w", err)
	}
	cfg := recorder.PlaybackConfig{
		Dir:             c.String("dir"),
		FilePrefix:      c.String("prefix"),
		DisableChecksum: c.Bool("no-checksum"),
		SkipCorrupt:     c.Bool("skip-corrupt"),
	}
	snap, stats, err := rebuild(c.Context, cfg, cash)
	if err != nil {
		return err
	}

	logs.Infof("replay: records=%d fills=%d rejections=%d cash=%s equity=%s realized=%s",
		stats.records, stats.fills, stats.rejections, snap.Cash, snap.Equity, snap.RealizedPnL)
	for _, p := range snap.Positions {
		logs.Infof("replay: position %s qty=%s avg=%s realized=%s", p.Symbol, p.Quantity, p.AvgCost, p.RealizedPnL)
	}

	if path := c.String("verify"); path != "" {
		want, err := portfolio.ReadSnapshot(path)
		if err != nil {
			return err
		}
		if err := portfolio.CompareSnapshots(want, snap); err != nil {
			return fmt.Errorf("verify %s: %w", path, err)
		}
		logs.Infof("replay: snapshot %s verified", path)
	}
	if path := c.String("out"); path != "" {
		return portfolio.WriteSnapshot(path, snap)
	}
	return nil
}

type replayStats struct {
	records    int
	fills      int
	rejections int
}

// rebuild folds every fill recorded in the journal into a fresh portfolio.
// Duplicate fill records are applied once.
func rebuild(ctx context.Context, cfg recorder.PlaybackConfig, cash decimal.Decimal) (schema.PortfolioSnapshot, replayStats, error) {
	var (
		stats replayStats
		fills []schema.Fill
	)
	err := audit.Read(ctx, cfg, func(rec audit.Record) error {
		stats.records++
		switch rec.Kind {
		case audit.KindFill:
			f, ok := rec.Fill()
			if !ok {
				return fmt.Errorf("malformed fill record order=%s", rec.OrderID)
			}
			stats.fills++
			fills = append(fills, f)
		case audit.KindRiskRejected, audit.KindOrderRejected:
			stats.rejections++
		}
		return nil
	})
	if err != nil {
		return schema.PortfolioSnapshot{}, stats, err
	}
	snap, err := portfolio.Rebuild(cash, fills)
	return snap, stats, err
}
