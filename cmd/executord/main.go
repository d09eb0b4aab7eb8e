// Command executord is the reference executor: it keeps a connection to the gateway
// open and serves extract and navigate commands with a browserless HTTP fetcher.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/executor"
	"github.com/scttfrdmn/browsergate/browsergate-go/adapter/reconnect"
	"github.com/scttfrdmn/browsergate/browsergate-go/config"
	"github.com/scttfrdmn/browsergate/browsergate-go/observability"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	metricsAddr := flag.String("metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()

	if err := run(*configPath, *metricsAddr); err != nil {
		fmt.Fprintf(os.Stderr, "executord: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateExecutor(); err != nil {
		return err
	}

	level, _ := observability.ParseLevel(cfg.Logging.Level)
	logger := observability.ConfigureLogging(level, cfg.Logging.Structured, cfg.Logging.TraceContext)

	if _, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:  cfg.Telemetry.ServiceName + "-executor",
		Instance:     cfg.Executor.ID,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Console:      cfg.Telemetry.ConsoleTraces,
		SampleRatio:  cfg.Telemetry.SampleRatio,
	}); err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = observability.Shutdown(ctx)
	}()

	var metrics *observability.GatewayMetrics
	if metricsAddr != "" {
		if _, err := observability.InitMetrics(cfg.Telemetry.ServiceName + "-executor"); err != nil {
			return fmt.Errorf("failed to initialize metrics: %w", err)
		}
		if metrics, err = observability.NewGatewayMetrics(); err != nil {
			return fmt.Errorf("failed to create metrics: %w", err)
		}
	}

	fetcher := executor.NewFetcher(nil)
	client, err := executor.New(executor.Config{
		URL:               cfg.Executor.URL,
		ExecutorID:        cfg.Executor.ID,
		APIKey:            cfg.Executor.APIKey,
		ConnectTimeout:    cfg.Executor.ConnectTimeout,
		AuthTimeout:       cfg.Executor.AuthTimeout,
		HeartbeatInterval: cfg.Executor.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Executor.HeartbeatTimeout,
		CommandTimeout:    cfg.Executor.CommandTimeout,
		Exclusive:         cfg.Executor.Exclusive,
		Backoff: reconnect.Backoff{
			Base:        cfg.Executor.ReconnectBase,
			Max:         cfg.Executor.ReconnectMax,
			MaxAttempts: cfg.Executor.MaxAttempts,
			Jitter:      cfg.Executor.Jitter,
		},
	}, executor.NewRouter(nil, fetcher, fetcher),
		executor.WithLogger(logger),
		executor.WithMetrics(metrics),
		executor.WithStateObserver(func(t reconnect.Transition) {
			logger.Info("connection state", "from", t.From.String(), "to", t.To.String(), "attempt", t.Attempt)
		}),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer stop()
		return client.Run(ctx)
	})

	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle(cfg.Gateway.MetricsPath, observability.MetricsHandler())
		srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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

	logger.Info("executor started", "executor_id", cfg.Executor.ID, "url", cfg.Executor.URL)
	return g.Wait()
}
