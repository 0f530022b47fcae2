package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"Flock/internal/logger"
)

const usage = `usage:
  flock serve [flags]                              run responders and the HTTP API
  flock roam  [flags] <data>                       find one roaming service and deliver data to it
  flock vote  [flags] <team> <question> <duration> poll a team until the duration elapses

run "flock <command> -h" for flags`

// errUsage is returned for a missing or unknown command.
var errUsage = errors.New(usage)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run(args []string) error {
	if len(args) == 0 {
		return errUsage
	}

	cmd, m, err := parseCommand(args[0])
	if err != nil {
		return err
	}

	cfg, rest, err := parseConfig(cmd, args[1:])
	if err != nil {
		return err
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}

	logger.Init(level)

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	body, err := buildTask(m, cfg, rest)
	if err != nil {
		return err
	}

	node, err := NewNode(cfg, m)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}
	defer node.Close()

	printStartupInfo(cmd, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return node.Run(ctx, func(ctx context.Context) error {
		return body(ctx, node)
	})
}

// parseCommand maps a command name to its mode.
func parseCommand(name string) (string, mode, error) {
	switch name {
	case "serve":
		return name, modeServe, nil
	case "roam":
		return name, modeRoam, nil
	case "vote":
		return name, modeVote, nil
	case "-h", "-help", "--help", "help":
		return "", 0, errUsage
	}

	return "", 0, fmt.Errorf("unknown command %q\n%w", name, errUsage)
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(cmd string, cfg *Config) {
	logger.Info("starting flock",
		"command", cmd,
		"quic", cfg.QUICAddress,
		"http", cfg.HTTPAddress,
		"peers", cfg.Peers,
		"roles", cfg.Roles,
	)
}
