package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"panthalassa/go-core/internal/adapters/rpc"
	"panthalassa/go-core/internal/config"
	"panthalassa/go-core/internal/dapp"
	"panthalassa/go-core/internal/metrics"
	"panthalassa/go-core/internal/platform/logging"
	"panthalassa/go-core/internal/runtime"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to devhost.yaml (optional)")
	listen := flag.String("listen", "", "HTTP listen address override")
	storageDir := flag.String("storage-dir", "", "Directory for sealed runtime stores override")
	token := flag.String("token", "", "Bearer token for /rpc and /upstream (optional)")
	transport := flag.String("transport", "", "Chat transport override: go-waku | mock")
	engine := flag.String("engine", "", "DApp engine override: hosted | native")
	logLevel := flag.String("log-level", "info", "debug | info | warn | error")
	logCollector := flag.String("log-collector", "", "TCP address receiving JSON log lines (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("panthalassa-devhost version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	cfg, err := config.LoadHostConfig(*configPath)
	if err != nil {
		log.Fatalf("panthalassa-devhost config: %v", err)
	}
	override(&cfg.Listen, *listen)
	override(&cfg.StorageDir, *storageDir)
	override(&cfg.Token, *token)
	override(&cfg.Network.Transport, *transport)
	override(&cfg.DAppEngine, *engine)
	if err := cfg.Validate(); err != nil {
		log.Fatalf("panthalassa-devhost config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logs := logging.New(os.Stderr)
	defer logs.Close()
	if err := logs.SetLevel(*logLevel); err != nil {
		log.Fatalf("panthalassa-devhost: %v", err)
	}
	if *logCollector != "" {
		if err := logs.ConnectRemote(ctx, *logCollector); err != nil {
			log.Fatalf("panthalassa-devhost log collector: %v", err)
		}
	}

	m := metrics.New()
	rt := runtime.New(
		runtime.WithLogging(logs),
		runtime.WithMetrics(m),
		runtime.WithNetwork(cfg.Network),
	)
	opts := []rpc.Option{
		rpc.WithLogger(logs.Logger()),
		rpc.WithMetricsHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})),
	}
	if cfg.DAppEngine == config.EngineNative {
		native := dapp.NewNativeEngine()
		native.SetFallback(dapp.EchoApp())
		opts = append(opts, rpc.WithEngine(native))
	}

	srv := rpc.NewServer(cfg, rt, opts...)
	logs.Logger().Info("panthalassa-devhost starting", "version", version, "engine", cfg.DAppEngine, "transport", cfg.Network.Transport)
	if err := srv.Run(ctx); err != nil {
		log.Fatalf("panthalassa-devhost failed: %v", err)
	}
	logs.Logger().Info("panthalassa-devhost stopped")
}

func override(dst *string, value string) {
	if value = strings.TrimSpace(value); value != "" {
		*dst = value
	}
}
