package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hthuynh/cacheproxy/internal/cache"
	"github.com/hthuynh/cacheproxy/internal/config"
	"github.com/hthuynh/cacheproxy/internal/logging"
	"github.com/hthuynh/cacheproxy/internal/metrics"
	"github.com/hthuynh/cacheproxy/internal/proxy"
	"github.com/hthuynh/cacheproxy/internal/ratelimit"
	"github.com/hthuynh/cacheproxy/internal/tracing"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [flags] <port>\n", os.Args[0])
	flag.PrintDefaults()
}

// main wires the process: configuration, observability, the shared
// response cache, and the acceptor, then runs until signaled.
func main() {
	defaults := config.DefaultConfig()

	metricsAddr := flag.String("metrics-addr", "", "Prometheus exposition address (empty disables)")
	cacheSize := flag.Int64("cache-size", defaults.Cache.MaxCacheSize, "total cache budget in bytes")
	maxObject := flag.Int64("max-object", defaults.Cache.MaxObjectSize, "per-object cache ceiling in bytes")
	rateLimit := flag.Int("rate-limit", 0, "per-client connections per second (0 disables)")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(1)
	}
	port, err := strconv.Atoi(flag.Arg(0))
	if err != nil {
		usage()
		os.Exit(1)
	}

	cfg := config.GetInstance()
	cfg.FromEnv()
	cfg.Server.Port = port
	cfg.Cache.MaxCacheSize = *cacheSize
	cfg.Cache.MaxObjectSize = *maxObject
	if *metricsAddr != "" {
		cfg.Metrics.Addr = *metricsAddr
	}
	if *rateLimit > 0 {
		cfg.RateLimit.Enabled = true
		cfg.RateLimit.Capacity = *rateLimit
		cfg.RateLimit.RefillRate = *rateLimit
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.Tracing.ServiceName)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cleanupTracing, err := tracing.InitTracing(cfg.Tracing)
	if err != nil {
		logger.Fatal(ctx, "failed to initialize tracing", err)
	}
	defer cleanupTracing()

	m := metrics.NewMetrics(nil)
	store := cache.New(cfg.Cache.MaxCacheSize, cfg.Cache.MaxObjectSize, m.Cache)
	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	server, err := proxy.NewServer(cfg, store, limiter, logger, m)
	if err != nil {
		logger.Fatal(ctx, "failed to create proxy server", err)
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Addr); err != nil {
				logger.Error(ctx, "metrics listener failed", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- server.Start(ctx)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			logger.Fatal(ctx, "server failed", err)
		}
	case sig := <-sigChan:
		logger.Info(ctx, "received termination signal, shutting down",
			slog.String("signal", sig.String()))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "error during shutdown", err)
	}

	logger.Info(context.Background(), "proxy stopped")
}
