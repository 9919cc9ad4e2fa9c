package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"communityhub/backend/libs/logging"
	app "communityhub/backend/services/credits-service/internal/app"
	"communityhub/backend/services/credits-service/internal/cli"
	"communityhub/backend/services/credits-service/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var logger *zap.Logger
	boot := func(configPath string) (*cli.Environment, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		logger, err = logging.NewLoggerWithLevel(cfg.Log.Level)
		if err != nil {
			return nil, err
		}
		core, err := app.NewCore(cfg, logger)
		if err != nil {
			return nil, err
		}
		return &cli.Environment{
			Runner:      core.Allocations,
			ItemTimeout: cfg.Allocation.ItemTimeout,
			BatchLimit:  cfg.Allocation.BatchLimit,
			Close: func() {
				core.Close()
				_ = logger.Sync()
			},
		}, nil
	}

	cmd := cli.NewAllocatorCommand(boot, os.Stdout)
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, cli.ErrRunFailed) {
			fmt.Fprintln(os.Stderr, "credits-allocator:", err)
		}
		os.Exit(1)
	}
}
