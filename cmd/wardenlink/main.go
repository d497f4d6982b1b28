package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wardenlink/internal/config"
	"wardenlink/internal/logging"
	"wardenlink/internal/orchestrator"
	"wardenlink/internal/protocol"
	"wardenlink/internal/protocol/shadowsocks"
	"wardenlink/internal/protocol/v2ray"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	protocol.Register(protocol.KindShadowsocks, shadowsocks.New())
	protocol.Register(protocol.KindV2Ray, v2ray.New())

	boot, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(boot.Logging)
	defer log.Sync()

	reloader, err := config.NewReloadable(*configPath, log)
	if err != nil {
		log.Fatalw("config watch failed", "error", err)
	}
	cfg := reloader.Get()

	orch, err := orchestrator.New(reloader, log)
	if err != nil {
		log.Fatalw("startup failed", "error", err)
	}
	orch.Start()
	log.Infow("started",
		"residency", cfg.Residency,
		"servers", len(cfg.Servers),
		"scheduler", cfg.Scheduler.Enabled,
		"metrics", cfg.Metrics.Enabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := orch.Shutdown(shutdownCtx); err != nil {
		log.Warnw("shutdown incomplete", "error", err)
	}
	log.Infow("stopped")
}

func handleSignals(cancel context.CancelFunc) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	cancel()
}
