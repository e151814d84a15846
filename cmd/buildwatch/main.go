package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/ritzau/buildwatch/pkg/build"
	"github.com/ritzau/buildwatch/pkg/config"
	"github.com/ritzau/buildwatch/pkg/engine"
	"github.com/ritzau/buildwatch/pkg/evaluation"
	"github.com/ritzau/buildwatch/pkg/graph"
	"github.com/ritzau/buildwatch/pkg/logging"
	"github.com/ritzau/buildwatch/pkg/output"
	"github.com/ritzau/buildwatch/pkg/project"
	"github.com/ritzau/buildwatch/pkg/runner"
	"github.com/ritzau/buildwatch/pkg/watcher"
	"github.com/ritzau/buildwatch/pkg/web"
)

func main() {
	// Parse command-line flags
	f := pflag.NewFlagSet("buildwatch", pflag.ExitOnError)
	config.RegisterFlags(f)
	if err := f.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}
	if f.NArg() > 0 && !f.Changed("project") {
		_ = f.Set("project", f.Arg(0))
	}

	cfg, err := config.Load(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	level := cfg.LogLevel()
	if cfg.JSONLogs {
		logging.SetJSONOutput(level)
	} else {
		logging.SetLevel(level)
		if wd, err := os.Getwd(); err == nil {
			logging.SetBaseDir(wd)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		logging.Fatal("buildwatch failed", "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	props, err := cfg.GlobalProperties()
	if err != nil {
		return err
	}

	eng := engine.NewCommandEngine(cfg.Engine, cfg.EngineArgs...)
	coord := build.NewCoordinator(eng)
	coord.SetVerbose(cfg.LogLevel() <= logging.LevelTrace)
	loader := graph.NewLoader(coord, project.NewEvaluator(project.NewDocumentCache(cfg.CacheSize)))
	agg := evaluation.NewAggregator(coord, loader)

	root := graph.Root{Path: cfg.Project}
	opts := evaluation.Options{
		Restore:              cfg.Restore,
		SuppressStaticAssets: !cfg.StaticAssets,
		WatchTargets:         cfg.WatchTargets,
		GlobalProperties:     props,
		Framework:            cfg.Framework,
	}

	if cfg.List {
		return list(ctx, agg, root, opts)
	}

	fw, err := watcher.NewFileWatcher()
	if err != nil {
		return err
	}
	defer fw.Stop()
	fw.Start(ctx)

	var reporter runner.Reporter
	if cfg.Port > 0 {
		server := web.NewServer()
		reporter = server
		go func() {
			if err := server.Start(ctx, cfg.Port); err != nil {
				logging.Error("Status server stopped", "error", err)
			}
		}()
	}

	r := runner.New(agg, fw, reporter, runner.Options{
		Root:             root,
		Evaluation:       opts,
		QuietPeriod:      cfg.QuietPeriod,
		MaxWait:          cfg.MaxWait,
		ReevaluateAlways: cfg.ReevaluateAlways,
	})
	return r.Run(ctx)
}

// list evaluates once and prints the report
func list(ctx context.Context, agg *evaluation.Aggregator, root graph.Root, opts evaluation.Options) error {
	res, err := agg.Evaluate(ctx, root, opts)
	if err != nil {
		return err
	}
	return output.PrintEvaluationReport(os.Stdout, root.Path, res)
}
