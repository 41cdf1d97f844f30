package main

import (
	"context"
	"fmt"
	"os"

	pyroscope "github.com/grafana/pyroscope-go"
	"github.com/urfave/cli/v2"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"orderflow/internal/core"
	"orderflow/internal/ops"
)

func main() {
	app := &cli.App{
		Name:  "trader",
		Usage: "run the order execution pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config file (yaml, json or toml)",
				EnvVars: []string{"ORDERFLOW_CONFIG"},
			},
			&cli.StringSliceFlag{
				Name:  "env-file",
				Usage: "dotenv files loaded before the config",
			},
			&cli.BoolFlag{
				Name:  "watch",
				Usage: "reload signal settings when the config file changes",
				Value: true,
			},
			&cli.StringFlag{
				Name:  "pyroscope",
				Usage: "pyroscope server address, overrides profiling.server_address",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		logs.Errorf("trader: %+v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if err := ops.LoadEnv(c.StringSlice("env-file")...); err != nil {
		return err
	}
	path := c.String("config")
	cfg, err := ops.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr := c.String("pyroscope"); addr != "" {
		cfg.Profiling.ServerAddress = addr
	}

	if cfg.Profiling.ServerAddress != "" {
		profiler, err := startProfiler(cfg.Profiling)
		if err != nil {
			return fmt.Errorf("pyroscope start: %w", err)
		}
		defer func() {
			if err := profiler.Stop(); err != nil {
				logs.Errorf("trader: pyroscope stop, err: %+v", err)
			}
		}()
	}

	pipeline, err := core.New(cfg, core.Deps{})
	if err != nil {
		return err
	}
	if err := pipeline.Start(context.Background()); err != nil {
		pipeline.Stop()
		return err
	}
	defer pipeline.Stop()

	if path != "" && c.Bool("watch") {
		if err := ops.Watch(path, pipeline.Apply); err != nil {
			logs.Errorf("trader: watch %s, err: %+v", path, err)
		}
	}

	<-sys.Shutdown()
	logs.Info("trader: shutting down")
	return nil
}

func startProfiler(cfg ops.ProfilingConfig) (*pyroscope.Profiler, error) {
	return pyroscope.Start(pyroscope.Config{
		ApplicationName: cfg.ApplicationName,
		ServerAddress:   cfg.ServerAddress,
		Logger:          emptyLogger{},
		ProfileTypes: []pyroscope.ProfileType{
			pyroscope.ProfileCPU,
			pyroscope.ProfileAllocObjects,
			pyroscope.ProfileAllocSpace,
			pyroscope.ProfileInuseObjects,
			pyroscope.ProfileInuseSpace,
		},
	})
}

type emptyLogger struct{}

func (emptyLogger) Infof(string, ...interface{})  {}
func (emptyLogger) Debugf(string, ...interface{}) {}
func (emptyLogger) Errorf(string, ...interface{}) {}
