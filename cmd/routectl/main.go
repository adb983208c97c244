// routectl drives builds, lifecycle operations and cutovers from the shell,
// in-process against the same store and instances the API server manages.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/qiniu/routeops/internal/config"
	"github.com/qiniu/routeops/internal/osrm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var level string
	var limit int

	flagSet := pflag.NewFlagSet("routectl", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "f", "", "config file (JSON or YAML)")
	flagSet.StringVar(&level, "level", "warn", "log level (trace, debug, info, warn, error)")
	flagSet.IntVarP(&limit, "limit", "n", 0, "number of history records (default 10, max 100)")
	flagSet.Usage = func() { printHelp(flagSet) }

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	args := flagSet.Args()
	if len(args) == 0 {
		printHelp(flagSet)
		return errReported
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid --level %q", level)
	}
	zerolog.SetGlobalLevel(lvl)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := osrm.NewOSRMServer(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := srv.Close(); err != nil {
			log.Error().Err(err).Msg("close orchestrator failed")
		}
	}()

	if startsBuilds(args[0]) {
		srv.Recover(ctx)
	}

	cmd := &commands{ctl: srv.Service(), out: os.Stdout, limit: limit}
	return cmd.execute(ctx, args)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `routectl manages OSRM builds and serving instances.

Usage:
  routectl [flags] <command> [args]

Commands:
  build [instance]             build one instance, or every instance when omitted
  start <instance>             start the routing server of an instance
  stop <instance>              stop the routing server of an instance
  restart <instance|profile>   restart an instance, or cut a profile over to its standby
  rebuild <instance>           stop, build, deploy and start an instance
  status                       show instances and in-flight builds
  health                       probe every instance; exits 1 if any is unhealthy
  history <instance>           show recent builds of an instance

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
