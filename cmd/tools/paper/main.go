package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"orderflow/internal/chaos"
	"orderflow/internal/core"
	"orderflow/internal/ops"
	"orderflow/internal/portfolio"
	"orderflow/internal/schema"
)

func main() {
	app := &cli.App{
		Name:  "paper",
		Usage: "drive the pipeline with a simulated market and a momentum strategy",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to config file"},
			&cli.StringSliceFlag{Name: "symbol", Value: cli.NewStringSlice("AAPL", "MSFT"), Usage: "simulated symbols"},
			&cli.Float64Flag{Name: "start-price", Value: 100, Usage: "initial price of every symbol"},
			&cli.Float64Flag{Name: "volatility", Value: 0.002, Usage: "per-tick log return stddev"},
			&cli.IntFlag{Name: "ticks", Value: 2000, Usage: "ticks per symbol (0=until interrupted)"},
			&cli.DurationFlag{Name: "interval", Value: 5 * time.Millisecond, Usage: "delay between ticks"},
			&cli.Uint64Flag{Name: "seed", Usage: "rng seed (0=now)"},
			&cli.IntFlag{Name: "lookback", Value: 20, Usage: "momentum lookback in ticks"},
			&cli.Float64Flag{Name: "threshold", Value: 0.004, Usage: "momentum return that triggers a signal"},
			&cli.Float64Flag{Name: "drop-rate", Usage: "market data drop probability [0-1]"},
			&cli.Float64Flag{Name: "dup-rate", Usage: "market data duplicate probability [0-1]"},
			&cli.IntFlag{Name: "reorder-window", Value: 1, Usage: "market data reorder window"},
			&cli.DurationFlag{Name: "max-delay", Usage: "max market data timestamp delay"},
			&cli.StringFlag{Name: "snapshot-out", Usage: "write the final portfolio snapshot here"},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logs.Errorf("paper: %+v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := ops.Load(c.String("config"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	seed := c.Uint64("seed")
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	noise, err := chaos.NewEngine(chaos.Config{
		Seed:          seed,
		DropRate:      c.Float64("drop-rate"),
		DuplicateRate: c.Float64("dup-rate"),
		ReorderWindow: c.Int("reorder-window"),
		MaxDelay:      c.Duration("max-delay"),
	})
	if err != nil {
		return err
	}

	pipeline, err := core.New(cfg, core.Deps{})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := pipeline.Start(ctx); err != nil {
		pipeline.Stop()
		return err
	}

	symbols := c.StringSlice("symbol")
	walks := make([]*walk, len(symbols))
	for i, sym := range symbols {
		walks[i] = newWalk(sym, c.Float64("start-price"), c.Float64("volatility"), seed+uint64(i)*7919)
	}
	strategy := newMomentum(c.Int("lookback"), c.Float64("threshold"))

	publish := func(ev schema.Event) {
		md := ev.Payload.(schema.MarketData)
		if err := pipeline.Publish(ctx, "", md); err != nil {
			logs.Warnf("paper: publish tick %s, err: %+v", md.Symbol, err)
			return
		}
		if sig, ok := strategy.observe(md); ok {
			if err := pipeline.Publish(ctx, "", sig); err != nil {
				logs.Warnf("paper: publish signal %s, err: %+v", sig.Symbol, err)
			}
		}
	}

	ticker := time.NewTicker(c.Duration("interval"))
	defer ticker.Stop()
	limit := c.Int("ticks")
loop:
	for n := 0; limit == 0 || n < limit; n++ {
		select {
		case <-sys.Shutdown():
			break loop
		case now := <-ticker.C:
			for _, w := range walks {
				for _, ev := range noise.Process(schema.NewEvent("", w.next(now.UTC()))) {
					publish(ev)
				}
			}
		}
	}
	for _, ev := range noise.Flush() {
		publish(ev)
	}

	// let the last orders fill before the bus closes
	time.Sleep(cfg.Execution.TickInterval)
	pipeline.Stop()

	snap := pipeline.Portfolio().Snapshot()
	st := noise.Stats()
	logs.Infof("paper: ticks in=%d out=%d dropped=%d duplicated=%d", st.In, st.Out, st.Dropped, st.Duplicated)
	logs.Infof("paper: orders=%d fills=%d cash=%s equity=%s realized=%s unrealized=%s drawdown=%s",
		len(pipeline.Engine().Orders()), snap.FillCount, snap.Cash, snap.Equity,
		snap.RealizedPnL, snap.UnrealizedPnL, snap.Drawdown().StringFixed(4))
	for _, p := range snap.Positions {
		logs.Infof("paper: position %s qty=%s avg=%s last=%s", p.Symbol, p.Quantity, p.AvgCost, p.LastPrice)
	}

	if out := c.String("snapshot-out"); out != "" {
		if err := portfolio.WriteSnapshot(out, snap); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return nil
}
