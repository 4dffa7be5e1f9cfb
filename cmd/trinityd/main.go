// trinityd runs the Trinity coordination core as a service.
//
// Usage:
//
//	trinityd serve                        # start the coordination loop
//	trinityd serve --config trinity.yaml  # with a config file
//	trinityd version                      # show version information
//	trinityd health                       # check store health
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/subtract0/trinity"
	"github.com/subtract0/trinity/config"
	"github.com/subtract0/trinity/internal/metrics"
	"github.com/subtract0/trinity/internal/retry"
	"github.com/subtract0/trinity/store"
)

// Version information, injected at build time.
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe(os.Args[2:])
	case "version":
		fmt.Printf("trinityd %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "health":
		runHealth(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`trinityd - Trinity coordination core

Commands:
  serve     start the coordination loop
  version   show version information
  health    check store health

Flags for serve and health:
  --config <path>   YAML configuration file`)
}

func loadConfig(args []string) config.Config {
	fs := flag.NewFlagSet("trinityd", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML configuration file")
	fs.Parse(args)

	cfg, err := config.NewLoader().WithConfigPath(*configPath).Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServe(args []string) {
	cfg := loadConfig(args)

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	st, err := store.New(cfg.Store)
	if err != nil {
		logger.Fatal("store initialization failed", zap.Error(err))
	}
	defer st.Close()

	// Redis or SQL backends may still be coming up alongside us.
	startupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = retry.Do(startupCtx, retry.DefaultPolicy(), logger, "store-ping", func() error {
		return st.Ping(startupCtx)
	})
	cancel()
	if err != nil {
		logger.Fatal("store unreachable", zap.Error(err))
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector(cfg.Metrics.Namespace, logger)
	}

	// Questions are delivered through the notifications queue by default;
	// an external channel consumes them and calls SubmitResponse.
	core, err := trinity.New(st, cfg.Core,
		trinity.WithLogger(logger),
		trinity.WithMetrics(collector),
	)
	if err != nil {
		logger.Fatal("core initialization failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return core.Run(ctx) })

	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", cfg.Metrics.Addr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("trinityd started", zap.String("version", Version))
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Fatal("trinityd exited with error", zap.Error(err))
	}
	logger.Info("trinityd stopped")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	return mux
}

func runHealth(args []string) {
	cfg := loadConfig(args)

	st, err := store.New(cfg.Store)
	if err != nil {
		fmt.Fprintf(os.Stderr, "store unavailable: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := st.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "store unhealthy: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("ok")
}
