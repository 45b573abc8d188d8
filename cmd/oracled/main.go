package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"scheduled-gpt-oracle/internal/config"
	"scheduled-gpt-oracle/internal/daemon"
	"scheduled-gpt-oracle/pkg/logger"
)

// main 是预言机守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("oracled 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	deploy, err := config.LoadDeployment(cfg.Deployment)
	if err != nil {
		return err
	}

	app, err := daemon.Build(ctx, cfg, deploy)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}
