// hive loads every resource below a root directory into an entity system
// and keeps it running until interrupted.
//
// Usage:
//
//	hive [--config FILE] [--root DIR] [--watch] [--log-level LEVEL]
//
// Without --config, hive.yaml, hive.yml or hive.json is searched for in the
// working directory. HIVE_* environment variables override file values and
// flags override both. With --config the file is watched and a changed log
// level applies without a restart.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/najoast/hive/config"
	"github.com/najoast/hive/core"
	"github.com/najoast/hive/engine"
	"github.com/najoast/hive/entity"
	"github.com/najoast/hive/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hive: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configFile string
	rootDir    string
	watch      bool
	logLevel   string

	flagSet *pflag.FlagSet
}

func parseFlags(args []string) (*options, error) {
	opts := &options{}

	flagSet := pflag.NewFlagSet("hive", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configFile, "config", "c", "", "configuration file (yaml or json); watched for log level changes")
	flagSet.StringVar(&opts.rootDir, "root", "", "directory to load resources from (overrides entity.root_dir)")
	flagSet.BoolVar(&opts.watch, "watch", false, "reload resources when they change on disk (overrides entity.watch)")
	flagSet.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, error or fatal (overrides log.level)")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: hive [flags]\n\nFlags:\n%s", flagSet.FlagUsages())
	}

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	opts.flagSet = flagSet
	return opts, nil
}

// apply overrides cfg with every flag given on the command line. Debug mode
// lowers the level to debug unless --log-level pinned it.
func (o *options) apply(cfg *config.Config) error {
	if o.flagSet.Changed("root") {
		cfg.Entity.RootDir = o.rootDir
	}
	if o.flagSet.Changed("watch") {
		cfg.Entity.Watch = o.watch
	}
	if o.flagSet.Changed("log-level") {
		cfg.Log.Level = config.LogLevel(o.logLevel)
	} else {
		cfg.Log.Level = cfg.EffectiveLogLevel()
	}
	return cfg.Validate()
}

func loadConfig(opts *options) (*config.Config, error) {
	loader := config.NewLoader()

	var cfg *config.Config
	var err error
	if opts.configFile != "" {
		cfg, err = loader.Load(opts.configFile)
	} else {
		cfg, err = loader.AutoLoad()
	}
	if err != nil {
		return nil, err
	}

	if err := opts.apply(cfg); err != nil {
		return nil, fmt.Errorf("invalid flags: %w", err)
	}
	return cfg, nil
}

// watchConfig follows the configuration file and applies log level changes,
// including toggling debug mode, to level unless the level was pinned with
// --log-level.
func watchConfig(opts *options, level zap.AtomicLevel, logger *zap.Logger) (*config.Watcher, error) {
	watcher, err := config.NewWatcher(opts.configFile, config.NewLoader(), logger)
	if err != nil {
		return nil, err
	}

	watcher.OnConfigChange(func(oldConfig, newConfig *config.Config) {
		next := newConfig.EffectiveLogLevel()
		if opts.flagSet.Changed("log-level") || oldConfig.EffectiveLogLevel() == next {
			return
		}
		level.SetLevel(logging.ToZapLevel(next))
		logger.Info("log level changed", zap.Stringer("level", next))
	})

	if err := watcher.Start(); err != nil {
		return nil, err
	}
	return watcher, nil
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	logger, level, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("cannot create logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger = logger.Named(cfg.App.Name)
	if cfg.IsDevelopment() {
		logger = logger.WithOptions(zap.AddCaller())
	}
	logger.Info("starting",
		zap.Stringer("environment", cfg.App.Environment),
		zap.String("root", cfg.Entity.RootDir),
		zap.Bool("watch", cfg.Entity.Watch),
	)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(signalCtx)
	defer cancel()

	rt := engine.New(engine.WithLogger(logger))
	rt.Startup()

	sys := entity.New(rt.Addr(), core.NewSystemUID(), cfg.Entity.RootDir,
		entity.WithLogger(logger),
		entity.WithWatch(cfg.Entity.Watch),
		entity.WithDebounce(cfg.Entity.Debounce),
	)
	if err := rt.Spawn(sys); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()

		select {
		case <-ctx.Done():
		case <-rt.Done():
			return nil
		}

		logger.Info("shutting down", zap.Duration("timeout", cfg.Runtime.ShutdownTimeout))
		if err := rt.Shutdown(); err != nil {
			return fmt.Errorf("cannot shut down runtime: %w", err)
		}

		waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownTimeout)
		defer waitCancel()
		return rt.Wait(waitCtx)
	})

	if opts.configFile != "" {
		watcher, err := watchConfig(opts, level, logger)
		if err != nil {
			logger.Warn("config hot reload disabled", zap.Error(err))
		} else {
			g.Go(func() error {
				<-ctx.Done()
				return watcher.Stop()
			})
		}
	}

	if err := g.Wait(); err != nil {
		logger.Error("stopped with error", zap.Error(err))
		return err
	}
	logger.Info("stopped")
	return nil
}
