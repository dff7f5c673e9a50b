package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/urfave/cli/v2"

	"flexpower/internal/app"
	"flexpower/internal/config"
)

func main() {
	cfgFlag := &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to config json or yaml",
		Value:   "./config.json",
		EnvVars: []string{"FLEXPOWER_CONFIG"},
	}
	a := cli.App{
		Name:  "fpsim",
		Usage: "scheduling runtime for energy-management modules, with an optional simulated clock",
	}
	a.Commands = []*cli.Command{
		{
			Name:   "run",
			Usage:  "activate the configured contexts and serve until interrupted",
			Flags:  []cli.Flag{cfgFlag, &cli.DurationFlag{Name: "stop-timeout", Value: 10 * time.Second, Usage: "upper bound for graceful shutdown"}},
			Action: runServe,
		},
		{
			Name:   "check",
			Usage:  "validate a config file and print a summary",
			Flags:  []cli.Flag{cfgFlag},
			Action: runCheck,
		},
	}
	a.RunAndExitOnError()
}

func runServe(cctx *cli.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	ctx, cancel := context.WithCancel(cctx.Context)
	defer cancel()

	fp, err := app.NewApp(cctx.String("config"))
	if err != nil {
		return cli.Exit(fmt.Sprintf("fatal: %v", err), 1)
	}

	stop := func(reason app.StopReason) {
		sctx, scancel := context.WithTimeout(context.Background(), cctx.Duration("stop-timeout"))
		defer scancel()
		_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
		_ = fp.Stop(sctx, reason)
	}

	if err := fp.Start(ctx); err != nil {
		stop(app.StopFatalError)
		return cli.Exit(fmt.Sprintf("fatal start: %v", err), 1)
	}
	// Not running under systemd is not an error.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case sig := <-sigs:
		reason := app.StopSIGTERM
		if sig == os.Interrupt {
			reason = app.StopSIGINT
		}
		stop(reason)
		return nil
	case <-fp.Done():
		err := fp.Err()
		stop(app.StopFatalError)
		if err != nil && !errors.Is(err, context.Canceled) {
			return cli.Exit(fmt.Sprintf("fatal: %v", err), 1)
		}
		return nil
	}
}

func runCheck(cctx *cli.Context) error {
	m := config.NewConfigManager(cctx.String("config"))
	cfg, err := m.Load()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	owners := make([]string, 0, len(cfg.Contexts))
	for _, cc := range cfg.Contexts {
		mode := "real"
		if cfg.IsSimulated(cc) {
			mode = "simulated"
		}
		owners = append(owners, cc.Owner+"("+mode+")")
	}
	fmt.Printf("config ok: %s\n", m.Path())
	fmt.Printf("  contexts:    %s\n", strings.Join(owners, ", "))
	fmt.Printf("  simulation:  %v\n", cfg.SimulatedDefault())
	fmt.Printf("  diagnostics: %v\n", cfg.Diagnostics.Enabled)
	return nil
}
